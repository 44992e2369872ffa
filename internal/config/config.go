package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	units "github.com/docker/go-units"
)

// DatabaseConfig holds PostgreSQL catalog connection settings.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// MongoConfig holds settings for the MongoDB catalog backend.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MinIOConfig holds object storage settings for MinIO / S3.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// StorageConfig bounds uploads and the object store retry policy.
type StorageConfig struct {
	MaxUploadSize   int64
	BufferThreshold int64
	PresignTTL      time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
}

type KeyringConfig struct {
	Provider  string
	KeyFile   string
	Keys      string
	ActiveKey string
	KMSKeyID  string
	AWSRegion string
	Algorithm string
}

type AuthConfig struct {
	JWTSecret  string
	LinkSecret string
	LinkTTL    time.Duration
	BaseURL    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type JournalConfig struct {
	Path          string
	SweepInterval time.Duration
	Grace         time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables. Sensitive values are not hardcoded.
type AppConfig struct {
	AppHost       string
	Port          string
	Timezone      string
	CatalogDriver string
	Log           LogConfig
	Database      DatabaseConfig
	Mongo         MongoConfig
	MinIO         MinIOConfig
	Storage       StorageConfig
	Keyring       KeyringConfig
	Auth          AuthConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Journal       JournalConfig
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() *AppConfig {
	return &AppConfig{
		AppHost:       getEnv("APP_HOST", "localhost:8080"),
		Port:          getEnv("PORT", "8080"),
		Timezone:      getEnv("APP_TIMEZONE", "Asia/Jakarta"),
		CatalogDriver: getEnv("CATALOG_DRIVER", "postgres"),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:   getEnv("MONGO_DATABASE", "docvault"),
			Collection: getEnv("MONGO_COLLECTION", "documents"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", ""),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Storage: StorageConfig{
			MaxUploadSize:   getEnvSize("MAX_UPLOAD_SIZE", 64<<20),
			BufferThreshold: getEnvSize("UPLOAD_BUFFER_THRESHOLD", 8<<20),
			PresignTTL:      getEnvDuration("PRESIGN_TTL", time.Hour),
			RetryInitial:    getEnvDuration("STORAGE_RETRY_INITIAL", 200*time.Millisecond),
			RetryMax:        getEnvDuration("STORAGE_RETRY_MAX", 2*time.Second),
			RetryMaxElapsed: getEnvDuration("STORAGE_RETRY_MAX_ELAPSED", 10*time.Second),
		},
		Keyring: KeyringConfig{
			Provider:  getEnv("KEYRING_PROVIDER", "local"),
			KeyFile:   getEnv("MASTER_KEYS_FILE", ""),
			Keys:      getEnv("MASTER_KEYS", ""),
			ActiveKey: getEnv("MASTER_KEY_ACTIVE", ""),
			KMSKeyID:  getEnv("KMS_KEY_ID", ""),
			AWSRegion: getEnv("AWS_REGION", "us-east-1"),
			Algorithm: getEnv("CIPHER_ALGORITHM", "aes-256-gcm-chunked"),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("JWT_SECRET", ""),
			LinkSecret: getEnv("LINK_SECRET", ""),
			LinkTTL:    getEnvDuration("LINK_TTL", time.Hour),
			BaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "docvault.documents"),
		},
		Journal: JournalConfig{
			Path:          getEnv("JOURNAL_PATH", "./data/journal"),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			Grace:         getEnvDuration("SWEEP_GRACE", 15*time.Minute),
		},
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

// getEnvSize accepts human sizes such as "64MB" or "512k".
func getEnvSize(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := units.FromHumanSize(v)
		if err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
