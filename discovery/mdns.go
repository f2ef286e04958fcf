package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshnet._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys.
const (
	txtDeviceID = "device_id"
	txtVersion  = "version"
	txtName     = "name"
)

// RegisterFunc publishes an mDNS service. zeroconf.Register satisfies it.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// BrowseFunc streams service entries until ctx ends.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter is how long a peer may be absent from scans before a
	// removal event is emitted.
	PeerStaleAfter time.Duration
	TTL            uint32
	Interfaces     []net.Interface

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	Logger *zap.Logger

	// Register and Browse replace the zeroconf defaults.
	Register RegisterFunc
	Browse   BrowseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 3 * out.RefreshInterval
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Register == nil {
		out.Register = zeroconf.Register
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtName + "=" + c.DeviceName,
	}
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	// The instance name must be unique on the link; the display name travels
	// in TXT.
	instance := cfg.DeviceName + "-" + shortID(cfg.SelfDeviceID)
	server, err := cfg.Register(instance, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), cfg.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.Named("mdns").Info("broadcasting",
		zap.String("service", cfg.Service),
		zap.String("instance", instance),
		zap.Int("port", cfg.ListeningPort),
	)
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

func shortID(deviceID string) string {
	if len(deviceID) <= 8 {
		return deviceID
	}
	return deviceID[:8]
}
