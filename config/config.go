package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DBDriver    string
	SQLitePath  string
	AutoMigrate bool

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	HTTPAddr string

	// Enabled is the global market-intel feature toggle.
	Enabled            bool
	CronSecret         string
	CronSecretPrevious string

	BudgetMs            int
	ScrapeIntervalHours int

	HTTPTimeoutMs int
	MaxRetries    int
	RetryBaseMs   int
	UserAgent     string

	PlatformsFile string
	RawExportDir  string
	LogLevel      string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		SQLitePath:  getEnv("SQLITE_PATH", "./market-intel.sqlite"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "market"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "market123"),
		PostgresDB:       getEnv("POSTGRES_DB", "market_intel"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		Enabled:            getEnvBool("MARKET_INTEL_ENABLED", true),
		CronSecret:         getEnv("CRON_SECRET", ""),
		CronSecretPrevious: getEnv("CRON_SECRET_PREVIOUS", ""),

		BudgetMs:            getEnvInt("SCRAPE_BUDGET_MS", 50000),
		ScrapeIntervalHours: getEnvInt("SCRAPE_INTERVAL_HOURS", 24),

		HTTPTimeoutMs: getEnvInt("HTTP_TIMEOUT_MS", 15000),
		MaxRetries:    getEnvInt("MAX_RETRIES", 2),
		RetryBaseMs:   getEnvInt("RETRY_BASE_MS", 500),
		UserAgent: getEnv("USER_AGENT", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),

		PlatformsFile: getEnv("PLATFORMS_FILE", ""),
		RawExportDir:  getEnv("RAW_EXPORT_DIR", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// Budget is the wall-clock budget of one invocation.
func (c *Config) Budget() time.Duration {
	return time.Duration(c.BudgetMs) * time.Millisecond
}

// ScrapeInterval is the default cadence between two runs of one organization.
func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.ScrapeIntervalHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
