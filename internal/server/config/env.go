package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment key, e.g. MEMBERSYNC_DATABASE_DSN.
const EnvPrefix = "MEMBERSYNC"

// parseEnv overlays values from MEMBERSYNC_* variables. Keys match the JSON
// names; unset or empty variables leave the current value alone.
// MEMBERSYNC_KAFKA_BROKERS is a comma-separated list.
func parseEnv(config *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)

	strs := map[string]*string{
		"endpoint_addr_grpc":      &config.EndpointAddrGRPC,
		"endpoint_addr_http":      &config.EndpointAddrHTTP,
		"database_dsn":            &config.DatabaseDSN,
		"log_level":               &config.LogLevel,
		"secret_key":              &config.SecretKey,
		"credential_marker":       &config.CredentialMarker,
		"credential_kdf":          &config.CredentialKDF,
		"login_domain":            &config.LoginDomain,
		"idp_endpoint":            &config.IdPEndpoint,
		"idp_credentials_file":    &config.IdPCredentialsFile,
		"event_source":            &config.EventSource,
		"kafka_topic":             &config.KafkaTopic,
		"kafka_group_id":          &config.KafkaGroupID,
		"kafka_dead_letter_topic": &config.KafkaDeadLetterTopic,
		"operator_token_secret":   &config.OperatorTokenSecret,
		"s3_access_key":           &config.S3AccessKey,
		"s3_secret_key":           &config.S3SecretKey,
		"s3_bucket":               &config.S3Bucket,
		"s3_region":               &config.S3Region,
		"s3_base_endpoint":        &config.S3BaseEndpoint,
	}
	ints := map[string]*int{
		"min_password_length": &config.MinPasswordLength,
		"outbox_batch_size":   &config.OutboxBatchSize,
		"workers":             &config.Workers,
	}
	durations := map[string]*time.Duration{
		"outbox_poll_interval": &config.OutboxPollInterval,
		"outbox_lease":         &config.OutboxLease,
		"handler_timeout":      &config.HandlerTimeout,
		"retry_initial":        &config.RetryInitial,
		"retry_max":            &config.RetryMax,
		"retry_max_elapsed":    &config.RetryMaxElapsed,
	}

	bind := func(key string) bool {
		_ = v.BindEnv(key)
		return v.IsSet(key)
	}

	for key, dst := range strs {
		if bind(key) {
			*dst = v.GetString(key)
		}
	}
	for key, dst := range ints {
		if bind(key) {
			*dst = v.GetInt(key)
		}
	}
	for key, dst := range durations {
		if bind(key) {
			*dst = v.GetDuration(key)
		}
	}
	if bind("adopt_existing_identities") {
		config.AdoptExistingIdentities = v.GetBool("adopt_existing_identities")
	}
	if bind("kafka_brokers") {
		config.KafkaBrokers = splitList(v.GetString("kafka_brokers"))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
