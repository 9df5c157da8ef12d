package config

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if !regexp.MustCompile(`^OPERATOR-[0-9A-F]{4}$`).MatchString(firstCfg.UserID) {
		t.Fatalf("unexpected default callsign %q", firstCfg.UserID)
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}
	if firstCfg.ExportDir != tempDir {
		t.Fatalf("expected export dir to default to data dir, got %q", firstCfg.ExportDir)
	}
	if !firstCfg.MDNSEnabled || !firstCfg.PersistHistory {
		t.Fatalf("expected mDNS and history persistence enabled by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.UserID != firstCfg.UserID {
		t.Fatalf("expected stable callsign, got %q then %q", firstCfg.UserID, secondCfg.UserID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	cfgPath := ConfigPath(tempDir)

	if err := Save(cfgPath, &NodeConfig{UserID: "  ghost-7 ", ListeningPort: 9100}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.UserID != "GHOST-7" {
		t.Fatalf("expected normalized callsign, got %q", cfg.UserID)
	}
	if cfg.ListeningPort != 9100 {
		t.Fatalf("expected explicit port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.AutoDeleteAfter() != 5*time.Minute || cfg.SweepInterval() != time.Minute {
		t.Fatalf("unexpected auto-delete defaults: %s / %s", cfg.AutoDeleteAfter(), cfg.SweepInterval())
	}
	if cfg.RequestTimeout() != 3*time.Second || cfg.ScanProbeTimeout() != 500*time.Millisecond {
		t.Fatalf("unexpected timeout defaults: %s / %s", cfg.RequestTimeout(), cfg.ScanProbeTimeout())
	}
	if cfg.MonitorInterval() != 30*time.Second || cfg.MonitorProbeTimeout() != time.Second {
		t.Fatalf("unexpected monitor defaults: %s / %s", cfg.MonitorInterval(), cfg.MonitorProbeTimeout())
	}
	if cfg.CharLimit != 1000 || cfg.KeyBits != 4096 {
		t.Fatalf("unexpected limits: chars=%d bits=%d", cfg.CharLimit, cfg.KeyBits)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.UserID != "GHOST-7" || reloaded.CharLimit != 1000 {
		t.Fatalf("expected normalized config to be persisted, got %+v", reloaded)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig(t.TempDir())

	t.Setenv("SILENTNET_USER_ID", "kilo-9")
	t.Setenv("SILENTNET_PORT", "8123")
	t.Setenv("SILENTNET_MDNS", "false")
	t.Setenv("SILENTNET_LOG_LEVEL", "DEBUG")
	t.Setenv("SILENTNET_AUTO_DELETE_SECONDS", "42")

	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.UserID != "KILO-9" || cfg.ListeningPort != 8123 || cfg.MDNSEnabled || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AutoDeleteAfter() != 42*time.Second {
		t.Fatalf("unexpected auto-delete window %s", cfg.AutoDeleteAfter())
	}
}

func TestApplyEnvReportsInvalidValues(t *testing.T) {
	cfg := defaultConfig(t.TempDir())

	t.Setenv("SILENTNET_USER_ID", "../..")
	t.Setenv("SILENTNET_PORT", "eighty")
	t.Setenv("SILENTNET_MDNS", "maybe")

	if err := ApplyEnv(cfg); err == nil {
		t.Fatalf("expected error for invalid overrides")
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("invalid override must leave port unchanged, got %d", cfg.ListeningPort)
	}
	if cfg.UserID == "" || strings.Contains(cfg.UserID, ".") {
		t.Fatalf("unusable callsign override must leave user_id unchanged, got %q", cfg.UserID)
	}
}

func TestNormalizeCallsign(t *testing.T) {
	cases := map[string]string{
		"  alpha-1\n":     "ALPHA-1",
		"night owl":       "NIGHT-OWL",
		"../../etc/x":     "ETC-X",
		`..\\tmp\\echo_2`: "TMP--ECHO_2",
		"..":              "",
	}
	for in, want := range cases {
		if got := NormalizeCallsign(in); got != want {
			t.Fatalf("NormalizeCallsign(%q) = %q, want %q", in, got, want)
		}
	}
	if got := DefaultCallsign(); !regexp.MustCompile(`^OPERATOR-[0-9A-F]{4}$`).MatchString(got) {
		t.Fatalf("unexpected default callsign %q", got)
	}
}
