// Package config reads the service settings from the environment and imports
// config entries from the YAML entries file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"nwsdetailedforecast/internal/nws"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings are the process-wide settings.
type Settings struct {
	HAURL   string
	HAToken string

	// ReadOnly logs entity writes instead of sending them.
	ReadOnly bool

	DBPath      string
	EntriesFile string
	APIPort     int

	NWSBaseURL string
	// NWSRateLimit is the request rate to api.weather.gov shared by every
	// entry, in requests per second.
	NWSRateLimit float64

	// RefreshEntity, when set, refreshes every entry on each state change.
	RefreshEntity string

	// LocationName fills the location of entries that leave it empty.
	LocationName string
	LogLevel     string
}

// LoadSettings loads .env if present and reads the environment.
func LoadSettings() (*Settings, error) {
	envErr := godotenv.Load()

	s := &Settings{
		HAURL:         os.Getenv("HA_URL"),
		HAToken:       os.Getenv("HA_TOKEN"),
		ReadOnly:      os.Getenv("READ_ONLY") == "true",
		DBPath:        getenvDefault("DB_PATH", "nwsdetailedforecast.db"),
		EntriesFile:   getenvDefault("ENTRIES_FILE", "configs/nwsdetailedforecast.yaml"),
		NWSBaseURL:    getenvDefault("NWS_BASE_URL", nws.DefaultBaseURL),
		RefreshEntity: os.Getenv("REFRESH_ENTITY"),
		LocationName:  getenvDefault("LOCATION_NAME", "Home"),
		LogLevel:      strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
	}

	port, err := strconv.Atoi(getenvDefault("API_PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid API_PORT %q", os.Getenv("API_PORT"))
	}
	s.APIPort = port

	rateLimit, err := strconv.ParseFloat(getenvDefault("NWS_RATE_LIMIT", "1"), 64)
	if err != nil || rateLimit <= 0 {
		return nil, fmt.Errorf("invalid NWS_RATE_LIMIT %q", os.Getenv("NWS_RATE_LIMIT"))
	}
	s.NWSRateLimit = rateLimit

	if envErr != nil && !os.IsNotExist(envErr) {
		return s, fmt.Errorf("failed to load .env: %w", envErr)
	}
	return s, nil
}

// Validate checks the settings required to run.
func (s *Settings) Validate() error {
	if s.HAURL == "" || s.HAToken == "" {
		return fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}
	return nil
}

// NewLogger builds the process logger: the development logger for debug,
// otherwise the production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
