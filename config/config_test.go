package config

import (
	"path/filepath"
	"reflect"
	"regexp"
	"testing"
)

var guestPattern = regexp.MustCompile(`^guest([0-9]|[1-9][0-9]|[1-9][0-9][0-9])$`)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if !guestPattern.MatchString(firstCfg.Username) {
		t.Fatalf("expected guest username, got %q", firstCfg.Username)
	}
	if firstCfg.ConnectivityBackend != BackendDefault {
		t.Fatalf("expected default backend, got %q", firstCfg.ConnectivityBackend)
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstCfg.ConnectTimeoutSeconds != DefaultConnectTimeoutSeconds {
		t.Fatalf("expected connect timeout %d, got %d", DefaultConnectTimeoutSeconds, firstCfg.ConnectTimeoutSeconds)
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
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.Username != firstCfg.Username {
		t.Fatalf("expected stable username, got %q then %q", firstCfg.Username, secondCfg.Username)
	}
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:            "legacy-device",
		ListeningPort:       9999,
		ConnectivityBackend: "nearby",
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.ConnectivityBackend != BackendDefault {
		t.Fatalf("expected unknown backend to normalize to default, got %q", cfg.ConnectivityBackend)
	}
	if !guestPattern.MatchString(cfg.Username) {
		t.Fatalf("expected missing username to become a guest name, got %q", cfg.Username)
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.Username != cfg.Username || onDisk.ServiceName != DefaultServiceName {
		t.Fatalf("expected normalized config to be saved, got %+v", onDisk)
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if _, _, err := LoadOrCreate(); err != nil {
		t.Fatalf("initial LoadOrCreate failed: %v", err)
	}

	t.Setenv("MESHNET_CONNECTIVITY_BACKEND", "BLE")
	t.Setenv("MESHNET_USERNAME", "alice")
	t.Setenv("MESHNET_LOG_LEVEL", "debug")
	t.Setenv("MESHNET_LOG_OUTPUTS", "stdout,"+filepath.Join(tempDir, "logs", "meshnet.log"))
	t.Setenv("MESHNET_PERSIST_MESSAGES", "false")
	t.Setenv("MESHNET_LISTENING_PORT", "7000")
	t.Setenv("MESHNET_PORT_MODE", PortModeFixed)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate with env failed: %v", err)
	}
	if cfg.ConnectivityBackend != BackendBLE {
		t.Fatalf("expected backend override %q, got %q", BackendBLE, cfg.ConnectivityBackend)
	}
	if cfg.Username != "alice" {
		t.Fatalf("expected username override, got %q", cfg.Username)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.Log.Level)
	}
	wantOutputs := []string{"stdout", filepath.Join(tempDir, "logs", "meshnet.log")}
	if !reflect.DeepEqual(cfg.Log.Outputs, wantOutputs) {
		t.Fatalf("expected outputs %v, got %v", wantOutputs, cfg.Log.Outputs)
	}
	if cfg.PersistMessages {
		t.Fatalf("expected persist_messages override to disable persistence")
	}
	if cfg.PortMode != PortModeFixed || cfg.ListeningPort != 7000 {
		t.Fatalf("expected fixed port 7000, got %q %d", cfg.PortMode, cfg.ListeningPort)
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.Username == "alice" || onDisk.ConnectivityBackend != BackendDefault {
		t.Fatalf("environment overrides leaked into config file: %+v", onDisk)
	}
}

func TestNormalizeBackend(t *testing.T) {
	cases := map[string]string{
		"":               BackendDefault,
		"default":        BackendDefault,
		" Bluetooth ":    BackendBluetooth,
		"ble":            BackendBLE,
		"ble-gatt":       BackendBLEGATT,
		"wifi-aware":     BackendWiFiAware,
		"WIFI-DIRECT":    BackendWiFiDirect,
		"carrier-pigeon": BackendDefault,
	}
	for in, want := range cases {
		if got := NormalizeBackend(in); got != want {
			t.Errorf("NormalizeBackend(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGuestUsername(t *testing.T) {
	for i := 0; i < 50; i++ {
		if name := GuestUsername(); !guestPattern.MatchString(name) {
			t.Fatalf("unexpected guest username %q", name)
		}
	}
}
