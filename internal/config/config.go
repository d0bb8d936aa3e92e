// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for the cache database and exports
	FinraCSVPath string // Path to the FINRA margin-statistics CSV
	FredAPIKey   string // FRED API key; macro columns degrade to absent without it
	QuoteBaseURL string // Market-quote provider base URL
	StartDate    time.Time
	EndDate      time.Time
	CacheTTL     time.Duration
	LogLevel     string
	Port         int
	DevMode      bool
	Analysis     AnalysisConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARGINSCOPE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	startDate, err := getEnvAsDate("ANALYSIS_START_DATE", "1997-01-01")
	if err != nil {
		return nil, err
	}
	endDate, err := getEnvAsDate("ANALYSIS_END_DATE", time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:      absDataDir,
		FinraCSVPath: getEnv("FINRA_CSV_PATH", filepath.Join(absDataDir, "margin-statistics.csv")),
		FredAPIKey:   getEnv("FRED_API_KEY", ""),
		QuoteBaseURL: getEnv("QUOTE_BASE_URL", "https://query1.finance.yahoo.com"),
		StartDate:    startDate,
		EndDate:      endDate,
		CacheTTL:     time.Duration(getEnvAsInt("CACHE_TTL_HOURS", 24)) * time.Hour,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Port:         getEnvAsInt("PORT", 8080),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		Analysis:     DefaultAnalysisConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !c.EndDate.After(c.StartDate) {
		return fmt.Errorf("end date %s is not after start date %s",
			c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	return c.Analysis.Validate()
}

// getEnv reads an environment variable with a fallback default
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as integer with a fallback default
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool reads an environment variable as boolean with a fallback default
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDate reads an environment variable as a YYYY-MM-DD date
func getEnvAsDate(key, defaultValue string) (time.Time, error) {
	valueStr := getEnv(key, defaultValue)
	parsed, err := time.Parse("2006-01-02", valueStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date in %s: %w", key, err)
	}
	return parsed.UTC(), nil
}
