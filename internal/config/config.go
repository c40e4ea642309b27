package config

import (
	_ "embed"
	"os"
	"strconv"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Detector DetectorConfig
	Tuning   TuningConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins string // comma separated list for CORS (default "*")
}

type StorageConfig struct {
	DataDir string // root directory for sessions, crops and uploads (default "./data")
}

type DatabaseConfig struct {
	URL          string // PostgreSQL URL or MySQL DSN; empty selects the filesystem store
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type DetectorConfig struct {
	PersonURL  string // person detector endpoint (e.g. http://localhost:9001/detect)
	PaymentURL string // payment gesture detector endpoint
	TimeoutSec int    // per-frame HTTP timeout (default 30)
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           envInt("SERVER_PORT", 8080),
			AllowedOrigins: envString("SERVER_ALLOWED_ORIGINS", "*"),
		},
		Storage: StorageConfig{
			DataDir: envString("DATA_DIR", "./data"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Detector: DetectorConfig{
			PersonURL:  os.Getenv("DETECTOR_PERSON_URL"),
			PaymentURL: os.Getenv("DETECTOR_PAYMENT_URL"),
			TimeoutSec: envInt("DETECTOR_TIMEOUT_SEC", 30),
		},
		Tuning: LoadTuning(),
	}
}
