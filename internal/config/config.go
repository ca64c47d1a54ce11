package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// Remote billing sink.
	CZAPIKey       string
	CZConnectionID string
	CZAPIEndpoint  string

	// Export behavior.
	ExportTimezone        string
	ExportIntervalMinutes int
	ExportLookbackHours   int
	ExportBatchLimit      int
	ExportAuthToken       string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		CZAPIKey:       strings.TrimSpace(getenv("CZ_API_KEY", "")),
		CZConnectionID: strings.TrimSpace(getenv("CZ_CONNECTION_ID", "")),
		CZAPIEndpoint:  getenv("CZ_API_ENDPOINT", "https://api.cloudzero.com"),

		ExportTimezone:        getenv("EXPORT_TIMEZONE", "UTC"),
		ExportIntervalMinutes: getenvInt("EXPORT_INTERVAL_MINUTES", 60),
		ExportLookbackHours:   getenvInt("EXPORT_LOOKBACK_HOURS", 24),
		ExportBatchLimit:      getenvInt("EXPORT_BATCH_LIMIT", 0),
		ExportAuthToken:       strings.TrimSpace(getenv("EXPORT_AUTH_TOKEN", "")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 30),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 5),
	}
}

// ExportInterval returns the scheduled export interval.
func (c Config) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalMinutes) * time.Minute
}

// ExportLookback returns how far behind scheduled cycles scan.
func (c Config) ExportLookback() time.Duration {
	return time.Duration(c.ExportLookbackHours) * time.Hour
}

// ExportLocation resolves the export timezone, falling back to UTC on
// an unknown name.
func (c Config) ExportLocation() *time.Location {
	loc, err := time.LoadLocation(c.ExportTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
