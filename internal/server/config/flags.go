package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/membersync/internal/flagx"
)

// parseFlags populates the most frequently overridden fields from short flags.
//
//	-a string   gRPC health bind address (e.g., ":50051")
//	-m string   admin HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-k string   credential secret key
//	-l string   login email domain
//	-i string   identity provider endpoint
//	-f string   identity provider credentials file
//	-s string   event source: outbox or kafka
//	-b string   comma-separated Kafka brokers
//	-w int      worker count
//	-t duration handler timeout (e.g., "60s")
//	-x          adopt existing identities on email conflicts
//	-v string   log level
//
// os.Args is filtered through flagx.FilterArgs first, so -c/-config and
// foreign flags never reach this FlagSet.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-m", "-d", "-k", "-l", "-i", "-f", "-s", "-b", "-w", "-t", "-x", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC health address")
	fs.StringVar(&config.EndpointAddrHTTP, "m", config.EndpointAddrHTTP, "admin HTTP address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "k", config.SecretKey, "credential secret key")
	fs.StringVar(&config.LoginDomain, "l", config.LoginDomain, "login email domain")
	fs.StringVar(&config.IdPEndpoint, "i", config.IdPEndpoint, "identity provider endpoint")
	fs.StringVar(&config.IdPCredentialsFile, "f", config.IdPCredentialsFile, "identity provider credentials file")
	fs.StringVar(&config.EventSource, "s", config.EventSource, "event source (outbox|kafka)")
	brokers := fs.String("b", "", "comma-separated kafka brokers")
	fs.IntVar(&config.Workers, "w", config.Workers, "worker count")
	fs.DurationVar(&config.HandlerTimeout, "t", config.HandlerTimeout, "handler timeout")
	fs.BoolVar(&config.AdoptExistingIdentities, "x", config.AdoptExistingIdentities, "adopt existing identities")
	fs.StringVar(&config.LogLevel, "v", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	if *brokers != "" {
		config.KafkaBrokers = splitList(*brokers)
	}
}
