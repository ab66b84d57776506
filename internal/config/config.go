package config

import "time"

type Config interface {
	APIConfig
	AuthConfig
	StorageConfig
	RetryConfig
}

// APIConfig describes where the admin API lives and how patient the
// transport should be.
type APIConfig interface {
	GetAPIBaseURL() string
	GetRequestTimeout() time.Duration
	GetAppName() string
	GetEnv() string
}

// AuthConfig describes the credential lifecycle knobs.
type AuthConfig interface {
	GetAccessTokenLifetime() time.Duration
	GetExpiryWarnThreshold() time.Duration
	GetExpiryCheckInterval() time.Duration
	GetTransientRefreshFailureLimit() int
}

// StorageConfig describes where the durable session record lives.
type StorageConfig interface {
	GetCredentialFile() string
	GetStorageNamespace() string
}

// RetryConfig describes the pipeline's retry budget.
type RetryConfig interface {
	GetMaxRetries() int
	GetBaseRetryDelay() time.Duration
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
