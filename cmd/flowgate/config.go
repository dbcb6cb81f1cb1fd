package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowgate server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	PoolSize        int    `json:"pool_size"`
	ApprovalTimeout string `json:"approval_timeout"`
	ScheduleSweep   string `json:"schedule_sweep"`
	TimeoutSweep    string `json:"timeout_sweep"`
	SearchURL       string `json:"search_url"`
	TextURL         string `json:"text_url"`
	HTTPTimeout     string `json:"http_timeout"`
	OTLPEndpoint    string `json:"otlp_endpoint"`
	OTLPInsecure    bool   `json:"otlp_insecure"`
	VaultKey        string `json:"vault_key"` // passphrase for stored secrets; empty disables the vault
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(flowgateDir(), "flowgate.db"),
		LogLevel:        "info",
		LogFormat:       "json",
		PoolSize:        10,
		ApprovalTimeout: "24h",
		ScheduleSweep:   "* * * * *",
		TimeoutSweep:    "@every 30s",
		HTTPTimeout:     "30s",
	}
}

func flowgateDir() string {
	if dir := os.Getenv("FLOWGATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowgate"
	}
	return filepath.Join(home, ".flowgate")
}

func settingsPath() string {
	return filepath.Join(flowgateDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowgateDir(), "flowgate.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString := map[string]*string{
		"FLOWGATE_LISTEN_ADDR":      &cfg.ListenAddr,
		"FLOWGATE_DB_PATH":          &cfg.DBPath,
		"FLOWGATE_LOG_LEVEL":        &cfg.LogLevel,
		"FLOWGATE_LOG_FORMAT":       &cfg.LogFormat,
		"FLOWGATE_APPROVAL_TIMEOUT": &cfg.ApprovalTimeout,
		"FLOWGATE_SCHEDULE_SWEEP":   &cfg.ScheduleSweep,
		"FLOWGATE_TIMEOUT_SWEEP":    &cfg.TimeoutSweep,
		"FLOWGATE_SEARCH_URL":       &cfg.SearchURL,
		"FLOWGATE_TEXT_URL":         &cfg.TextURL,
		"FLOWGATE_HTTP_TIMEOUT":     &cfg.HTTPTimeout,
		"FLOWGATE_OTLP_ENDPOINT":    &cfg.OTLPEndpoint,
		"FLOWGATE_VAULT_KEY":        &cfg.VaultKey,
	}
	for key, dst := range envString {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("FLOWGATE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWGATE_OTLP_INSECURE"); v != "" {
		cfg.OTLPInsecure = v == "true" || v == "1"
	}

	return cfg
}

// durationOr parses s, falling back to def when s is empty or malformed.
func durationOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"approval_timeout", old.ApprovalTimeout != new.ApprovalTimeout},
		{"schedule_sweep", old.ScheduleSweep != new.ScheduleSweep},
		{"timeout_sweep", old.TimeoutSweep != new.TimeoutSweep},
		{"search_url", old.SearchURL != new.SearchURL},
		{"text_url", old.TextURL != new.TextURL},
		{"http_timeout", old.HTTPTimeout != new.HTTPTimeout},
		{"otlp_endpoint", old.OTLPEndpoint != new.OTLPEndpoint || old.OTLPInsecure != new.OTLPInsecure},
		{"vault_key", old.VaultKey != new.VaultKey},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}
