package session

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"meshnet/config"
	"meshnet/connectivity"
	"meshnet/discovery"
	"meshnet/transport/bluetooth"
	"meshnet/transport/lan"
)

// Deps carries what an adapter needs from the session.
type Deps struct {
	DeviceID   string
	DeviceName string

	// LAN backends.
	ListenAddress  string
	Service        string
	Interfaces     []net.Interface
	ConnectTimeout time.Duration
	Discovery      discovery.Config

	// Bluetooth carries radio and socket hooks for the Bluetooth backends.
	// Backend, DeviceName and Logger are filled in by Select.
	Bluetooth bluetooth.Options

	Callbacks connectivity.Callbacks
	Logger    *zap.Logger
}

// SelectFunc builds the adapter for a backend.
type SelectFunc func(backend string, deps Deps) (connectivity.Adapter, error)

// Select builds the adapter serving backend. Unknown names fall back to the
// default LAN backend.
func Select(backend string, deps Deps) (connectivity.Adapter, error) {
	switch config.NormalizeBackend(backend) {
	case config.BackendBluetooth:
		return newBluetooth(bluetooth.BackendClassic, deps)
	case config.BackendBLE:
		return newBluetooth(bluetooth.BackendBLE, deps)
	case config.BackendBLEGATT:
		return newBluetooth(bluetooth.BackendGATT, deps)
	case config.BackendWiFiAware:
		return newLAN(lan.BackendWiFiAware, deps)
	case config.BackendWiFiDirect:
		return newLAN(lan.BackendWiFiDirect, deps)
	default:
		return newLAN(lan.BackendDefault, deps)
	}
}

func newLAN(backend string, deps Deps) (connectivity.Adapter, error) {
	adapter, err := lan.New(lan.Options{
		Backend:           backend,
		DeviceID:          deps.DeviceID,
		DeviceName:        deps.DeviceName,
		ListenAddress:     deps.ListenAddress,
		Service:           deps.Service,
		Interfaces:        deps.Interfaces,
		Discovery:         deps.Discovery,
		ConnectionTimeout: deps.ConnectTimeout,
		Logger:            deps.Logger,
	}, deps.Callbacks)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", backend, err)
	}
	return adapter, nil
}

func newBluetooth(backend string, deps Deps) (connectivity.Adapter, error) {
	opts := deps.Bluetooth
	opts.Backend = backend
	opts.DeviceName = deps.DeviceName
	opts.Logger = deps.Logger

	adapter, err := bluetooth.New(opts, deps.Callbacks)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", backend, err)
	}
	return adapter, nil
}
