package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gmhost daemon and CLI.
type Config struct {
	// Data
	DataDir        string
	ScriptsDropDir string
	JournalDir     string
	StartupFile    string

	// Chromium connection
	CDPAddress    string
	CDPPort       int
	TabURLFilter  string
	EvalTimeoutMS int
	LaunchBrowser bool
	ProfileDir    string

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Engine
	ExecTimeoutMS     int
	FetchTimeoutMS    int
	UpdateIntervalMin int
	UpdateConcurrency int

	// Events and logging
	EventBuffer   int
	MaxFileSizeMB int
	NtfyURL       string
	LogLevel      string
	LogFile       string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dataDir := getEnvOrDefault("GMHOST_DATA_DIR", "./gmhost_data")
	cfg := &Config{
		DataDir:        dataDir,
		ScriptsDropDir: getEnvOrDefault("GMHOST_DROP_DIR", filepath.Join(dataDir, "drop")),
		JournalDir:     getEnvOrDefault("GMHOST_JOURNAL_DIR", filepath.Join(dataDir, "events")),
		StartupFile:    getEnvOrDefault("GMHOST_STARTUP_FILE", "./config/startup.yaml"),

		CDPAddress:    getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:       getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:  getEnvOrDefault("GMHOST_TAB_URL_FILTER", ""),
		EvalTimeoutMS: getEnvIntOrDefault("GMHOST_EVAL_TIMEOUT_MS", 5000),
		LaunchBrowser: getEnvBoolOrDefault("GMHOST_LAUNCH_BROWSER", false),
		ProfileDir:    getEnvOrDefault("GMHOST_PROFILE_DIR", filepath.Join(dataDir, "profile")),

		BindAddr:         getEnvOrDefault("GMHOST_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   splitList(getEnvOrDefault("GMHOST_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		PortAutoFallback: getEnvBoolOrDefault("GMHOST_PORT_AUTO_FALLBACK", true),

		ExecTimeoutMS:     getEnvIntOrDefault("GMHOST_EXEC_TIMEOUT_MS", 10000),
		FetchTimeoutMS:    getEnvIntOrDefault("GMHOST_FETCH_TIMEOUT_MS", 30000),
		UpdateIntervalMin: getEnvIntOrDefault("GMHOST_UPDATE_INTERVAL_MIN", 720),
		UpdateConcurrency: getEnvIntOrDefault("GMHOST_UPDATE_CONCURRENCY", 4),

		EventBuffer:   getEnvIntOrDefault("GMHOST_EVENT_BUFFER", 1000),
		MaxFileSizeMB: getEnvIntOrDefault("GMHOST_EVENT_MAX_FILE_SIZE_MB", 50),
		NtfyURL:       getEnvOrDefault("GMHOST_NTFY_URL", ""),
		LogLevel:      strings.ToLower(getEnvOrDefault("GMHOST_LOG_LEVEL", "info")),
		LogFile:       getEnvOrDefault("GMHOST_LOG_FILE", "logs/gmhost.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.ExecTimeoutMS < 100 {
		cfg.ExecTimeoutMS = 100
	}
	if cfg.UpdateConcurrency < 1 {
		cfg.UpdateConcurrency = 1
	}
	if cfg.UpdateIntervalMin < 0 {
		return nil, fmt.Errorf("GMHOST_UPDATE_INTERVAL_MIN must not be negative, got %d", cfg.UpdateIntervalMin)
	}
	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
