package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/membersync/internal/flagx"
	"github.com/dmitrijs2005/membersync/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept "30s"
// style strings or integer nanoseconds. Absent keys keep the current value.
type JsonConfig struct {
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP string `json:"endpoint_addr_http"`
	DatabaseDSN      string `json:"database_dsn"`
	LogLevel         string `json:"log_level"`

	SecretKey         string `json:"secret_key"`
	CredentialMarker  string `json:"credential_marker"`
	CredentialKDF     string `json:"credential_kdf"`
	MinPasswordLength int    `json:"min_password_length"`

	LoginDomain             string `json:"login_domain"`
	IdPEndpoint             string `json:"idp_endpoint"`
	IdPCredentialsFile      string `json:"idp_credentials_file"`
	AdoptExistingIdentities *bool  `json:"adopt_existing_identities"`

	EventSource        string         `json:"event_source"`
	OutboxPollInterval timex.Duration `json:"outbox_poll_interval"`
	OutboxBatchSize    int            `json:"outbox_batch_size"`
	OutboxLease        timex.Duration `json:"outbox_lease"`

	KafkaBrokers         []string `json:"kafka_brokers"`
	KafkaTopic           string   `json:"kafka_topic"`
	KafkaGroupID         string   `json:"kafka_group_id"`
	KafkaDeadLetterTopic string   `json:"kafka_dead_letter_topic"`

	Workers         int            `json:"workers"`
	HandlerTimeout  timex.Duration `json:"handler_timeout"`
	RetryInitial    timex.Duration `json:"retry_initial"`
	RetryMax        timex.Duration `json:"retry_max"`
	RetryMaxElapsed timex.Duration `json:"retry_max_elapsed"`

	OperatorTokenSecret string `json:"operator_token_secret"`

	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
}

// parseJson loads the file named by -c/-config, if any, into config.
// Unreadable files and invalid JSON panic.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.ConfigPath()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	for dst, src := range map[*string]string{
		&config.EndpointAddrGRPC:     c.EndpointAddrGRPC,
		&config.EndpointAddrHTTP:     c.EndpointAddrHTTP,
		&config.DatabaseDSN:          c.DatabaseDSN,
		&config.LogLevel:             c.LogLevel,
		&config.SecretKey:            c.SecretKey,
		&config.CredentialMarker:     c.CredentialMarker,
		&config.CredentialKDF:        c.CredentialKDF,
		&config.LoginDomain:          c.LoginDomain,
		&config.IdPEndpoint:          c.IdPEndpoint,
		&config.IdPCredentialsFile:   c.IdPCredentialsFile,
		&config.EventSource:          c.EventSource,
		&config.KafkaTopic:           c.KafkaTopic,
		&config.KafkaGroupID:         c.KafkaGroupID,
		&config.KafkaDeadLetterTopic: c.KafkaDeadLetterTopic,
		&config.OperatorTokenSecret:  c.OperatorTokenSecret,
		&config.S3AccessKey:          c.S3AccessKey,
		&config.S3SecretKey:          c.S3SecretKey,
		&config.S3Bucket:             c.S3Bucket,
		&config.S3Region:             c.S3Region,
		&config.S3BaseEndpoint:       c.S3BaseEndpoint,
	} {
		if src != "" {
			*dst = src
		}
	}

	for dst, src := range map[*int]int{
		&config.MinPasswordLength: c.MinPasswordLength,
		&config.OutboxBatchSize:   c.OutboxBatchSize,
		&config.Workers:           c.Workers,
	} {
		if src != 0 {
			*dst = src
		}
	}

	for dst, src := range map[*time.Duration]timex.Duration{
		&config.OutboxPollInterval: c.OutboxPollInterval,
		&config.OutboxLease:        c.OutboxLease,
		&config.HandlerTimeout:     c.HandlerTimeout,
		&config.RetryInitial:       c.RetryInitial,
		&config.RetryMax:           c.RetryMax,
		&config.RetryMaxElapsed:    c.RetryMaxElapsed,
	} {
		if src.Duration != 0 {
			*dst = src.Duration
		}
	}

	if c.AdoptExistingIdentities != nil {
		config.AdoptExistingIdentities = *c.AdoptExistingIdentities
	}
	if len(c.KafkaBrokers) > 0 {
		config.KafkaBrokers = c.KafkaBrokers
	}
}
