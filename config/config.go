package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	StorageType      string
	LocalStoragePath string
	DataSourceName   string
	DatabaseURL      string
	S3BucketName     string
	// MinIO Configuration
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Redis - optional shared room activity
	RedisURL string
	// Auth: OIDC wins over the shared JWT secret when both are set.
	JWTSecret     string
	JWTLeeway     time.Duration
	OIDCIssuerURL string
	OIDCClientID  string

	CORSOrigins []string
	AppEnv      string

	AuthTimeout         time.Duration
	OutboundBufferLimit int
	PersistInterval     time.Duration
	StorageTimeout      time.Duration
	MaxMessageBytes     int64
	IdleTimeout         time.Duration
	PingInterval        time.Duration
}

var devOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:5173"}

func Load() Config {
	cfg := Config{
		StorageType:      getenv("STORAGE_TYPE", "memory"),
		LocalStoragePath: getenv("LOCAL_STORAGE_PATH", "./data"),
		DataSourceName:   getenv("DATA_SOURCE_NAME", "collab.db"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		S3BucketName:     getenv("S3_BUCKET_NAME", ""),
		MinioEndpoint:    getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:   getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:      getenv("MINIO_BUCKET", "collab"),
		MinioUseSSL:      getenvBool("MINIO_USE_SSL", false),
		RedisURL:         getenv("REDIS_URL", ""),
		JWTSecret:        getenv("JWT_SECRET", ""),
		OIDCIssuerURL:    getenv("OIDC_ISSUER_URL", ""),
		OIDCClientID:     getenv("OIDC_CLIENT_ID", ""),
		AppEnv:           getenv("APP_ENV", "development"),

		JWTLeeway:           getenvDuration("JWT_LEEWAY_MS", 0),
		AuthTimeout:         getenvDuration("AUTH_TIMEOUT_MS", 5*time.Second),
		OutboundBufferLimit: getenvInt("OUTBOUND_BUFFER_LIMIT", 256),
		PersistInterval:     getenvDuration("PERSIST_INTERVAL_MS", 30*time.Second),
		StorageTimeout:      getenvDuration("STORAGE_TIMEOUT_MS", 10*time.Second),
		MaxMessageBytes:     int64(getenvInt("MAX_MESSAGE_BYTES", 5000000)),
		IdleTimeout:         getenvDuration("IDLE_TIMEOUT_MS", 60*time.Second),
		PingInterval:        getenvDuration("PING_INTERVAL_MS", 25*time.Second),
	}
	cfg.CORSOrigins = splitOrigins(getenv("CORS_ORIGIN", ""))
	if !cfg.Production() {
		cfg.CORSOrigins = appendMissing(cfg.CORSOrigins, devOrigins...)
	}
	return cfg
}

func (c Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func appendMissing(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a millisecond count. Zero is kept so callers can use
// it to disable a timer.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
