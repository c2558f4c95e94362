package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables read by ApplyEnvOverrides.
const (
	EnvRabbitURI            = "RABBITFLOW_RABBIT_URI"
	EnvLogLevel             = "RABBITFLOW_LOG_LEVEL"
	EnvHTTPPort             = "RABBITFLOW_HTTP_PORT"
	EnvTimeFormat           = "RABBITFLOW_TIME_FORMAT"
	EnvPoolMaxConnections   = "RABBITFLOW_POOL_MAX_CONNECTIONS"
	EnvPoolMaxChannels      = "RABBITFLOW_POOL_MAX_CHANNELS"
	EnvPoolMaxAckChannels   = "RABBITFLOW_POOL_MAX_ACK_CHANNELS"
	EnvPoolDrainTimeout     = "RABBITFLOW_POOL_DRAIN_TIMEOUT"
	EnvPublisherWorkers     = "RABBITFLOW_PUBLISHER_WORKERS"
	EnvPublisherQueueSize   = "RABBITFLOW_PUBLISHER_QUEUE_SIZE"
	EnvRedisAddr            = "RABBITFLOW_REDIS_ADDR"
	EnvRedisPassword        = "RABBITFLOW_REDIS_PASSWORD"
	EnvDedupeBackend        = "RABBITFLOW_DEDUPE_BACKEND"
	EnvEnrichmentKeyHeader  = "RABBITFLOW_ENRICHMENT_KEY_HEADER"
	EnvEncryptionPassphrase = "RABBITFLOW_ENCRYPTION_PASSPHRASE"
	EnvEncryptionSalt       = "RABBITFLOW_ENCRYPTION_SALT"
)

// ApplyEnvOverrides overlays values present in the environment. Unparseable
// numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	overrideString(EnvRabbitURI, &c.Rabbit.URI)
	overrideString(EnvLogLevel, &c.LogLevel)
	overrideString(EnvHTTPPort, &c.HTTPPort)
	overrideString(EnvTimeFormat, &c.TimeFormat)
	overrideInt(EnvPoolMaxConnections, &c.Pool.MaxConnections)
	overrideInt(EnvPoolMaxChannels, &c.Pool.MaxChannels)
	overrideInt(EnvPoolMaxAckChannels, &c.Pool.MaxAckChannels)
	overrideDuration(EnvPoolDrainTimeout, &c.Pool.DrainTimeout)
	overrideInt(EnvPublisherWorkers, &c.Publisher.Workers)
	overrideInt(EnvPublisherQueueSize, &c.Publisher.QueueSize)
	overrideString(EnvRedisAddr, &c.Redis.Addr)
	overrideString(EnvRedisPassword, &c.Redis.Password)
	overrideString(EnvDedupeBackend, &c.Dedupe.Backend)
	overrideString(EnvEnrichmentKeyHeader, &c.Enrichment.KeyHeader)
	overrideString(EnvEncryptionPassphrase, &c.Encryption.Passphrase)
	overrideString(EnvEncryptionSalt, &c.Encryption.Salt)
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			*dst = val
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if val, err := time.ParseDuration(v); err == nil {
			*dst = val
		}
	}
}
