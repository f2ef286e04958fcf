package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshnet"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "MESHNET_DATA_DIR"
	// EnvPrefix prefixes environment overrides, e.g. MESHNET_USERNAME.
	EnvPrefix = "MESHNET"
	// DefaultListeningPort is the TCP port used in fixed mode without an
	// explicit value.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultServiceName is the mDNS service type of the LAN backends.
	DefaultServiceName = "_meshnet._tcp"
	// DefaultConnectTimeoutSeconds bounds one connection attempt.
	DefaultConnectTimeoutSeconds = 30
	// DefaultSeenRetentionDays keeps ids of pruned messages this long.
	DefaultSeenRetentionDays = 90
	// DefaultEventRetentionDays keeps connectivity events this long.
	DefaultEventRetentionDays = 30
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Connectivity backends.
const (
	BackendDefault    = "default"
	BackendBluetooth  = "bluetooth"
	BackendBLE        = "ble"
	BackendBLEGATT    = "ble-gatt"
	BackendWiFiAware  = "wifi-aware"
	BackendWiFiDirect = "wifi-direct"
)

// Backends lists every selectable backend.
var Backends = []string{
	BackendDefault,
	BackendBluetooth,
	BackendBLE,
	BackendBLEGATT,
	BackendWiFiAware,
	BackendWiFiDirect,
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string        `json:"device_id" mapstructure:"device_id"`
	Username              string        `json:"username" mapstructure:"username"`
	ConnectivityBackend   string        `json:"connectivity_backend" mapstructure:"connectivity_backend"`
	PortMode              string        `json:"port_mode" mapstructure:"port_mode"`
	ListeningPort         int           `json:"listening_port" mapstructure:"listening_port"`
	ServiceName           string        `json:"service_name" mapstructure:"service_name"`
	Interface             string        `json:"interface" mapstructure:"interface"`
	ConnectTimeoutSeconds int           `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	PersistMessages       bool          `json:"persist_messages" mapstructure:"persist_messages"`
	MetricsAddress        string        `json:"metrics_address" mapstructure:"metrics_address"`
	Storage               StorageConfig `json:"storage" mapstructure:"storage"`
	Log                   LogConfig     `json:"log" mapstructure:"log"`
}

// StorageConfig sets retention for the message database. A zero
// MessageRetentionDays keeps messages forever.
type StorageConfig struct {
	MessageRetentionDays int `json:"message_retention_days" mapstructure:"message_retention_days"`
	SeenRetentionDays    int `json:"seen_retention_days" mapstructure:"seen_retention_days"`
	EventRetentionDays   int `json:"event_retention_days" mapstructure:"event_retention_days"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `json:"level" mapstructure:"level"`
	// Format: console or json
	Format string `json:"format" mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `json:"outputs" mapstructure:"outputs"`
	Rotation    RotationConfig `json:"rotation" mapstructure:"rotation"`
	Development bool           `json:"development" mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `json:"enable" mapstructure:"enable"`
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHNET_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned config but never
// written back.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg)

	return cfg, cfgPath, nil
}

// ApplyEnv overlays MESHNET_* environment variables onto cfg. Nested keys
// use underscores: MESHNET_LOG_LEVEL=debug.
func ApplyEnv(cfg *DeviceConfig) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed every key so env-only values are picked up by Unmarshal.
	v.SetDefault("device_id", cfg.DeviceID)
	v.SetDefault("username", cfg.Username)
	v.SetDefault("connectivity_backend", cfg.ConnectivityBackend)
	v.SetDefault("port_mode", cfg.PortMode)
	v.SetDefault("listening_port", cfg.ListeningPort)
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("interface", cfg.Interface)
	v.SetDefault("connect_timeout_seconds", cfg.ConnectTimeoutSeconds)
	v.SetDefault("persist_messages", cfg.PersistMessages)
	v.SetDefault("metrics_address", cfg.MetricsAddress)
	v.SetDefault("storage.message_retention_days", cfg.Storage.MessageRetentionDays)
	v.SetDefault("storage.seen_retention_days", cfg.Storage.SeenRetentionDays)
	v.SetDefault("storage.event_retention_days", cfg.Storage.EventRetentionDays)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode environment overrides: %w", err)
	}
	return nil
}

// NormalizeBackend maps unknown backend names to the default backend.
func NormalizeBackend(backend string) string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	for _, known := range Backends {
		if backend == known {
			return known
		}
	}
	return BackendDefault
}

// GuestUsername returns a username of the form guest<0-999>.
func GuestUsername() string {
	return fmt.Sprintf("guest%d", rand.Intn(1000))
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:              uuid.NewString(),
		Username:              GuestUsername(),
		ConnectivityBackend:   BackendDefault,
		PortMode:              PortModeAutomatic,
		ListeningPort:         0,
		ServiceName:           DefaultServiceName,
		ConnectTimeoutSeconds: DefaultConnectTimeoutSeconds,
		PersistMessages:       true,
		Storage: StorageConfig{
			SeenRetentionDays:  DefaultSeenRetentionDays,
			EventRetentionDays: DefaultEventRetentionDays,
		},
		Log: defaultLogConfig(),
	}
}

func defaultLogConfig() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.Username) == "" {
		cfg.Username = GuestUsername()
		updated = true
	}

	if backend := NormalizeBackend(cfg.ConnectivityBackend); cfg.ConnectivityBackend != backend {
		cfg.ConnectivityBackend = backend
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
		updated = true
	}

	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		updated = true
	}

	if cfg.Storage.MessageRetentionDays < 0 {
		cfg.Storage.MessageRetentionDays = 0
		updated = true
	}
	if cfg.Storage.SeenRetentionDays <= 0 {
		cfg.Storage.SeenRetentionDays = DefaultSeenRetentionDays
		updated = true
	}
	if cfg.Storage.EventRetentionDays <= 0 {
		cfg.Storage.EventRetentionDays = DefaultEventRetentionDays
		updated = true
	}

	defaults := defaultLogConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Level
		updated = true
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Format
		updated = true
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = defaults.Outputs
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
