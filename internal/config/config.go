package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

type ClientConfig struct {
	API         APIConfig
	Session     SessionConfig
	Credentials CredentialConfig
	Redis       RedisConfig
	DynamoDB    DynamoDBConfig
	Log         LogConfig
}

type APIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	AuthScheme     string
	CompanyHeader  string
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

type SessionConfig struct {
	// LeadTime is how long before access-token expiry a proactive refresh kicks in.
	LeadTime     time.Duration
	PollInterval time.Duration
}

type CredentialConfig struct {
	Backend   string
	File      string
	Namespace string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Server     HTTPConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Revocation string
	Users      string
	Log        LogConfig
}

type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		API: APIConfig{
			BaseURL:        getEnv("API_BASE_URL", "http://localhost:8080/api"),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			AuthScheme:     getEnv("AUTH_SCHEME", "Bearer"),
			CompanyHeader:  getEnv("COMPANY_HEADER", "Company-Code"),
			RetryMax:       getEnvAsInt("RETRY_MAX", 2),
			RetryWaitMin:   getEnvAsDuration("RETRY_WAIT_MIN", 500*time.Millisecond),
			RetryWaitMax:   getEnvAsDuration("RETRY_WAIT_MAX", 5*time.Second),
		},
		Session: SessionConfig{
			LeadTime:     getEnvAsDuration("REFRESH_LEAD_TIME", 60*time.Second),
			PollInterval: getEnvAsDuration("REFRESH_POLL_INTERVAL", 30*time.Second),
		},
		Credentials: CredentialConfig{
			Backend:   strings.ToLower(getEnv("CREDENTIAL_BACKEND", BackendFile)),
			File:      getEnv("CREDENTIAL_FILE", defaultCredentialFile()),
			Namespace: getEnv("CREDENTIAL_NAMESPACE", "gateconsole"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "GateConsoleSessions"),
		},
		Log: loadLog(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.Session.LeadTime < 0 {
		return fmt.Errorf("REFRESH_LEAD_TIME must not be negative")
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("REFRESH_POLL_INTERVAL must be positive")
	}
	if c.API.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative")
	}

	switch c.Credentials.Backend {
	case BackendMemory, BackendRedis:
	case BackendFile:
		if c.Credentials.File == "" {
			return fmt.Errorf("CREDENTIAL_FILE is required for the file backend")
		}
	case BackendDynamoDB:
		if c.DynamoDB.TableName == "" {
			return fmt.Errorf("DYNAMODB_TABLE_NAME is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown CREDENTIAL_BACKEND %q", c.Credentials.Backend)
	}
	return nil
}

func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Server: HTTPConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		Revocation: strings.ToLower(getEnv("REVOCATION_BACKEND", BackendMemory)),
		Users:      getEnv("DEV_USERS", "admin@gate.local:admin123:*:MAIN"),
		Log:        loadLog(),
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if cfg.Revocation != BackendMemory && cfg.Revocation != BackendRedis {
		return nil, fmt.Errorf("unknown REVOCATION_BACKEND %q", cfg.Revocation)
	}

	return cfg, nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg LogConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func loadLog() LogConfig {
	return LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}
}

func defaultCredentialFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gateconsole", "session.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
