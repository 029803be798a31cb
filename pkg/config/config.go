package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"socialhub-backend/pkg/constants"
	"socialhub-backend/pkg/env"
)

// Config holds all configuration for the call agent
type Config struct {
	Server    ServerConfig
	Agent     AgentConfig
	Call      CallConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	Push      PushConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	// AllowedOrigins lists the UI shell origins for CORS and WebSocket handshakes.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// AgentConfig identifies the user this agent acts for.
type AgentConfig struct {
	LocalUserID uuid.UUID
	DisplayName string
}

// CallConfig holds call session timing and transport settings.
type CallConfig struct {
	ConnectTimeout      time.Duration // connecting -> ended(failed) bound
	TickInterval        time.Duration // duration tick while connected
	RingTimeout         time.Duration // incoming invite expiry
	HistoryWriteTimeout time.Duration
	SignalingRetention  time.Duration // replay window for late subscribers
	SignalingMaxLen     int64
	ICEServers          []string
	// Broker selects the signaling substrate: "redis" or "memory".
	Broker string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// PushConfig holds push notification configuration
type PushConfig struct {
	Provider        string // firebase, mock
	ProjectID       string
	CredentialsPath string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8085),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-agent"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", constants.GracefulShutdownTimeout),
		},
		Agent: AgentConfig{
			DisplayName: env.GetString("LOCAL_USER_NAME", ""),
		},
		Call: CallConfig{
			ConnectTimeout:      env.GetDuration("CALL_CONNECT_TIMEOUT", constants.CallConnectTimeout),
			TickInterval:        env.GetDuration("CALL_TICK_INTERVAL", constants.CallTickInterval),
			RingTimeout:         env.GetDuration("CALL_RING_TIMEOUT", constants.CallRingTimeout),
			HistoryWriteTimeout: env.GetDuration("CALL_HISTORY_WRITE_TIMEOUT", constants.CallHistoryWriteTimeout),
			SignalingRetention:  env.GetDuration("SIGNALING_RETENTION", constants.SignalingRetention),
			SignalingMaxLen:     int64(env.GetInt("SIGNALING_MAXLEN", constants.SignalingMaxLen)),
			ICEServers:          env.GetSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			Broker:              env.GetString("SIGNALING_BROKER", "redis"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "socialhub"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
			MinConns: env.GetInt("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:       env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "socialhub"),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "call-diagnostics"),
		},
		Push: PushConfig{
			Provider:        env.GetString("PUSH_PROVIDER", "mock"),
			ProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:      env.GetString("LOG_LEVEL", "info"),
			Format:     env.GetString("LOG_FORMAT", "json"),
			Output:     env.GetString("LOG_OUTPUT", "stdout"),
			FilePath:   env.GetString("LOG_FILE_PATH", "/logs/call-agent.log"),
			MaxSizeMB:  env.GetInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: env.GetInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: env.GetInt("LOG_MAX_AGE_DAYS", 28),
		},
	}

	localID := env.GetString("LOCAL_USER_ID", "")
	if localID != "" {
		id, err := uuid.Parse(localID)
		if err != nil {
			return nil, fmt.Errorf("LOCAL_USER_ID is not a valid uuid: %w", err)
		}
		cfg.Agent.LocalUserID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Agent.LocalUserID == uuid.Nil {
		return fmt.Errorf("LOCAL_USER_ID must be set")
	}
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}
	if c.Call.ConnectTimeout <= 0 {
		return fmt.Errorf("CALL_CONNECT_TIMEOUT must be positive")
	}
	if c.Call.TickInterval <= 0 {
		return fmt.Errorf("CALL_TICK_INTERVAL must be positive")
	}
	switch c.Call.Broker {
	case "redis", "memory":
	default:
		return fmt.Errorf("SIGNALING_BROKER must be redis or memory, got %q", c.Call.Broker)
	}
	return nil
}
