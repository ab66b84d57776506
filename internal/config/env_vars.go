package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	apiBaseURLVar = "API_BASE_URL"
	appNameVar    = "APP_NAME"
	dataDirVar    = "DATA_DIR"
	namespaceVar  = "STORAGE_NAMESPACE"
)

type EnvVars struct{}

var _ Config = EnvVars{}

func (EnvVars) GetAPIBaseURL() string {
	return GetEnv(apiBaseURLVar, "http://localhost:3000/api")
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Admin Client")
}

func (EnvVars) GetEnv() string {
	return GetEnv("ENV", "DEV")
}

func (EnvVars) GetRequestTimeout() time.Duration {
	return GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
}

func (EnvVars) GetAccessTokenLifetime() time.Duration {
	return GetEnvDuration("ACCESS_TOKEN_LIFETIME", 15*time.Minute)
}

func (EnvVars) GetExpiryWarnThreshold() time.Duration {
	return GetEnvDuration("EXPIRY_WARN_THRESHOLD", 60*time.Second)
}

func (EnvVars) GetExpiryCheckInterval() time.Duration {
	return GetEnvDuration("EXPIRY_CHECK_INTERVAL", 30*time.Second)
}

func (EnvVars) GetTransientRefreshFailureLimit() int {
	return GetEnvInt("TRANSIENT_REFRESH_FAILURE_LIMIT", 5)
}

func (EnvVars) GetCredentialFile() string {
	dir := GetEnv(dataDirVar, "./data")
	return filepath.Join(dir, "session.json")
}

func (EnvVars) GetStorageNamespace() string {
	return GetEnv(namespaceVar, "admin-dashboard")
}

func (EnvVars) GetMaxRetries() int {
	return GetEnvInt("MAX_RETRIES", 2)
}

func (EnvVars) GetBaseRetryDelay() time.Duration {
	return GetEnvDuration("BASE_RETRY_DELAY", 300*time.Millisecond)
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func GetEnvInt(envVar string, defaultValue int) int {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
