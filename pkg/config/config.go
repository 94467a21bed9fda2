package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all static application configuration
type Config struct {
	// ServiceName scopes dynamic configuration lookups and token claims
	ServiceName string

	Server ServerConfig
	Redis  RedisConfig
	AWS    AWSConfig
	Auth   AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds the distributed counter store connection settings.
// An empty URL disables the distributed backend; the rate limiter then
// runs on its local per-instance store only.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// AWSConfig holds settings shared by the DynamoDB configuration store and
// the Secrets Manager secret source
type AWSConfig struct {
	Region    string
	Endpoint  string // override for localstack/local dev
	AccessKey string
	SecretKey string

	// ConfigTable is the DynamoDB table backing dynamic configuration.
	// Empty disables the store layer; resolution falls through to env.
	ConfigTable string

	// ServiceSecretARN identifies the shared service-token signing secret
	ServiceSecretARN string
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	// End-user bearer tokens
	Issuer   string
	Audience string
	JWKSURL  string

	// Service-to-service tokens
	ServiceTokenIssuer   string
	ServiceTokenAudience string
	ServiceTokenTTL      time.Duration

	// ClockSkew is the allowance applied to exp and iat checks
	ClockSkew time.Duration

	// FetchTimeout bounds key-set and secret fetches
	FetchTimeout time.Duration

	// PolicyFile optionally overrides the builtin role-permission map
	PolicyFile string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("GATEKEEPER_SERVICE_NAME", "auth-service"),
		Server:      loadServerConfig(),
		Redis:       loadRedisConfig(),
		AWS:         loadAWSConfig(),
		Auth:        loadAuthConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("GATEKEEPER_REDIS_URL", ""),
		Password: getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
		DB:       getEnvInt("GATEKEEPER_REDIS_DB", 0),
		PoolSize: getEnvInt("GATEKEEPER_REDIS_POOL_SIZE", 10),
	}
}

func loadAWSConfig() AWSConfig {
	return AWSConfig{
		Region:           getEnv("GATEKEEPER_AWS_REGION", "us-east-1"),
		Endpoint:         getEnv("GATEKEEPER_AWS_ENDPOINT", ""),
		AccessKey:        getEnv("GATEKEEPER_AWS_ACCESS_KEY", ""),
		SecretKey:        getEnv("GATEKEEPER_AWS_SECRET_KEY", ""),
		ConfigTable:      getEnv("GATEKEEPER_CONFIG_TABLE", ""),
		ServiceSecretARN: getEnv("GATEKEEPER_SERVICE_SECRET_ARN", ""),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:               getEnv("GATEKEEPER_TOKEN_ISSUER", ""),
		Audience:             getEnv("GATEKEEPER_TOKEN_AUDIENCE", ""),
		JWKSURL:              getEnv("GATEKEEPER_JWKS_URL", ""),
		ServiceTokenIssuer:   getEnv("GATEKEEPER_SERVICE_TOKEN_ISSUER", "loadline-platform"),
		ServiceTokenAudience: getEnv("GATEKEEPER_SERVICE_TOKEN_AUDIENCE", "loadline-internal"),
		ServiceTokenTTL:      getEnvDuration("GATEKEEPER_SERVICE_TOKEN_TTL", 5*time.Minute),
		ClockSkew:            getEnvDuration("GATEKEEPER_CLOCK_SKEW", 30*time.Second),
		FetchTimeout:         getEnvDuration("GATEKEEPER_FETCH_TIMEOUT", 3*time.Second),
		PolicyFile:           getEnv("GATEKEEPER_POLICY_FILE", ""),
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port must not be empty")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("GATEKEEPER_JWKS_URL is required for bearer token verification")
	}
	if c.Auth.FetchTimeout < 2*time.Second || c.Auth.FetchTimeout > 5*time.Second {
		return fmt.Errorf("fetch timeout must be between 2s and 5s, got %s", c.Auth.FetchTimeout)
	}
	if c.AWS.ServiceSecretARN == "" {
		return fmt.Errorf("GATEKEEPER_SERVICE_SECRET_ARN is required for service token verification")
	}
	return nil
}

// getEnv retrieves an environment variable with a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration retrieves a duration environment variable with a fallback
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
