package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "silentnet"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SILENTNET_DATA_DIR"
	// envPrefix prefixes every environment override.
	envPrefix = "SILENTNET_"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// callsignPrefix starts every generated callsign.
	callsignPrefix = "OPERATOR-"
)

// Defaults applied by normalizeDefaults.
const (
	DefaultListeningPort          = 8000
	DefaultKeyBits                = 4096
	DefaultRequestTimeoutMS       = 3000
	DefaultScanProbeTimeoutMS     = 500
	DefaultMonitorProbeTimeoutMS  = 1000
	DefaultMonitorIntervalSeconds = 30
	DefaultSweepIntervalSeconds   = 60
	DefaultAutoDeleteSeconds      = 300
	DefaultCharLimit              = 1000
	DefaultScanConcurrency        = 64
	DefaultMessageRetentionDays   = 7
	DefaultLogLevel               = "info"
)

// NodeConfig contains persistent node settings.
type NodeConfig struct {
	UserID                 string `json:"user_id"`
	ListeningPort          int    `json:"listening_port"`
	KeyBits                int    `json:"key_bits"`
	RequestTimeoutMS       int    `json:"request_timeout_ms"`
	ScanProbeTimeoutMS     int    `json:"scan_probe_timeout_ms"`
	MonitorProbeTimeoutMS  int    `json:"monitor_probe_timeout_ms"`
	MonitorIntervalSeconds int    `json:"monitor_interval_seconds"`
	SweepIntervalSeconds   int    `json:"sweep_interval_seconds"`
	AutoDeleteSeconds      int    `json:"auto_delete_seconds"`
	CharLimit              int    `json:"char_limit"`
	ScanConcurrency        int    `json:"scan_concurrency"`
	MessageRetentionDays   int    `json:"message_retention_days"`
	MDNSEnabled            bool   `json:"mdns_enabled"`
	PersistHistory         bool   `json:"persist_history"`
	ExportDir              string `json:"export_dir"`
	LogLevel               string `json:"log_level"`
}

// RequestTimeout bounds connect and send requests.
func (c *NodeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ScanProbeTimeout bounds each subnet scan probe.
func (c *NodeConfig) ScanProbeTimeout() time.Duration {
	return time.Duration(c.ScanProbeTimeoutMS) * time.Millisecond
}

// MonitorProbeTimeout bounds each liveness probe.
func (c *NodeConfig) MonitorProbeTimeout() time.Duration {
	return time.Duration(c.MonitorProbeTimeoutMS) * time.Millisecond
}

// MonitorInterval is the liveness polling period.
func (c *NodeConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// SweepInterval is the auto-delete check period.
func (c *NodeConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AutoDeleteAfter is the auto-delete window.
func (c *NodeConfig) AutoDeleteAfter() time.Duration {
	return time.Duration(c.AutoDeleteSeconds) * time.Second
}

// MessageRetention is how long the durable message log keeps rows.
func (c *NodeConfig) MessageRetention() time.Duration {
	return time.Duration(c.MessageRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SILENTNET_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate resolves the data directory and loads or creates config.json in it.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures dataDir and config.json exist, filling any missing
// settings with defaults, and returns the config and its path.
func LoadOrCreateIn(dataDir string) (*NodeConfig, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// LoadDotEnv loads a .env file from the working directory when present.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnv overrides cfg with SILENTNET_* environment variables. Invalid
// numeric values are reported and leave the setting unchanged.
func ApplyEnv(cfg *NodeConfig) error {
	var errs []error

	if v := getEnv("USER_ID", ""); v != "" {
		if callsign := NormalizeCallsign(v); callsign != "" {
			cfg.UserID = callsign
		} else {
			errs = append(errs, fmt.Errorf("%sUSER_ID: no usable characters in %q", envPrefix, v))
		}
	}
	if v := getEnv("EXPORT_DIR", ""); v != "" {
		cfg.ExportDir = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getEnv("MDNS", ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMDNS: %w", envPrefix, err))
		} else {
			cfg.MDNSEnabled = enabled
		}
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"PORT", &cfg.ListeningPort},
		{"KEY_BITS", &cfg.KeyBits},
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS},
		{"MONITOR_INTERVAL_SECONDS", &cfg.MonitorIntervalSeconds},
		{"AUTO_DELETE_SECONDS", &cfg.AutoDeleteSeconds},
		{"SCAN_CONCURRENCY", &cfg.ScanConcurrency},
	}
	for _, setting := range ints {
		raw := getEnv(setting.name, "")
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s%s: invalid positive integer %q", envPrefix, setting.name, raw))
			continue
		}
		*setting.target = n
	}

	return errors.Join(errs...)
}

// NormalizeCallsign upper-cases an operator callsign and replaces every rune
// other than letters, digits, '-' and '_' with '-'. The result names files in
// the data directory, so it never contains path separators or dots.
func NormalizeCallsign(callsign string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, strings.ToUpper(strings.TrimSpace(callsign)))
	return strings.Trim(mapped, "-")
}

// DefaultCallsign returns OPERATOR- followed by four random upper-case hex digits.
func DefaultCallsign() string {
	return callsignPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{
		MDNSEnabled:    true,
		PersistHistory: true,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	setString := func(target *string, value string) {
		if strings.TrimSpace(*target) == "" {
			*target = value
			updated = true
		}
	}
	setInt := func(target *int, value int) {
		if *target <= 0 {
			*target = value
			updated = true
		}
	}

	if normalized := NormalizeCallsign(cfg.UserID); normalized != cfg.UserID {
		cfg.UserID = normalized
		updated = true
	}
	setString(&cfg.UserID, DefaultCallsign())
	setString(&cfg.ExportDir, dataDir)
	setString(&cfg.LogLevel, DefaultLogLevel)

	setInt(&cfg.ListeningPort, DefaultListeningPort)
	setInt(&cfg.KeyBits, DefaultKeyBits)
	setInt(&cfg.RequestTimeoutMS, DefaultRequestTimeoutMS)
	setInt(&cfg.ScanProbeTimeoutMS, DefaultScanProbeTimeoutMS)
	setInt(&cfg.MonitorProbeTimeoutMS, DefaultMonitorProbeTimeoutMS)
	setInt(&cfg.MonitorIntervalSeconds, DefaultMonitorIntervalSeconds)
	setInt(&cfg.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
	setInt(&cfg.AutoDeleteSeconds, DefaultAutoDeleteSeconds)
	setInt(&cfg.CharLimit, DefaultCharLimit)
	setInt(&cfg.ScanConcurrency, DefaultScanConcurrency)
	setInt(&cfg.MessageRetentionDays, DefaultMessageRetentionDays)

	return updated
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}
