// Package lan implements the connectivity contract over IP networks: mDNS
// for advertising and discovery, framed TCP for channels. It serves the
// default backend as well as Wi-Fi Direct and Wi-Fi Aware links, which the
// operating system exposes as ordinary network interfaces.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshnet/connectivity"
	"meshnet/discovery"
	"meshnet/models"
	"meshnet/network"
)

// Backends served by this adapter.
const (
	BackendDefault    = "default"
	BackendWiFiDirect = "wifi-direct"
	BackendWiFiAware  = "wifi-aware"
)

var errAlreadyConnected = errors.New("already connected")

// Options configures a LAN adapter.
type Options struct {
	Backend    string
	DeviceID   string
	DeviceName string

	// ListenAddress is the TCP address accepted connections arrive on while
	// advertising. Empty means all interfaces on an ephemeral port.
	ListenAddress string
	Service       string
	Interfaces    []net.Interface

	// Discovery supplies scan timing and replaceable mDNS functions. Identity
	// fields are filled in by the adapter.
	Discovery discovery.Config

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	Logger *zap.Logger
}

// Adapter is the LAN transport adapter.
type Adapter struct {
	opts      Options
	callbacks connectivity.Callbacks
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	server      *network.Server
	broadcaster *discovery.Broadcaster
	scanner     *discovery.PeerScanner
	peers       map[string]discovery.DiscoveredPeer
	conns       map[string]*network.PeerConnection
	stopped     bool
}

// New builds an idle adapter. Nothing touches the network until advertising
// or discovery starts.
func New(opts Options, callbacks connectivity.Callbacks) (*Adapter, error) {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, errors.New("lan: device id is required")
	}
	if callbacks == nil {
		return nil, errors.New("lan: callbacks are required")
	}
	if opts.Backend == "" {
		opts.Backend = BackendDefault
	}
	if opts.DeviceName == "" {
		opts.DeviceName = opts.DeviceID
	}
	if opts.Service == "" {
		opts.Service = discovery.DefaultService
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:      opts,
		callbacks: callbacks,
		logger:    opts.Logger.Named("lan").With(zap.String("backend", opts.Backend)),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]discovery.DiscoveredPeer),
		conns:     make(map[string]*network.PeerConnection),
	}, nil
}

// IsSupported reports whether an interface suitable for the backend is up.
func (a *Adapter) IsSupported() bool {
	ifaces := a.opts.Interfaces
	explicit := len(ifaces) > 0
	if !explicit {
		all, err := net.Interfaces()
		if err != nil {
			a.logger.Warn("list interfaces failed", zap.Error(err))
			return false
		}
		ifaces = all
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if explicit || a.interfaceMatchesBackend(iface) {
			return true
		}
	}
	return false
}

func (a *Adapter) interfaceMatchesBackend(iface net.Interface) bool {
	switch a.opts.Backend {
	case BackendWiFiDirect:
		return strings.HasPrefix(iface.Name, "p2p-")
	case BackendWiFiAware:
		return strings.HasPrefix(iface.Name, "nan") || strings.HasPrefix(iface.Name, "aware")
	default:
		if iface.Flags&net.FlagLoopback != 0 {
			return isLoopbackAddress(a.opts.ListenAddress)
		}
		return true
	}
}

func (a *Adapter) IsBluetoothRequired() bool {
	return false
}

// StartAdvertising opens the TCP listener and publishes it over mDNS.
func (a *Adapter) StartAdvertising(ctx context.Context) {
	err := a.startAdvertising()
	if err != nil {
		a.logger.Warn("advertising failed", zap.Error(err))
	}
	a.callbacks.AdvertisingResult(err)
}

func (a *Adapter) startAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.New("lan: adapter stopped")
	}
	if a.server != nil {
		return nil
	}

	server, err := network.Listen(a.opts.ListenAddress, a.handshakeOptions())
	if err != nil {
		return err
	}

	cfg := a.discoveryConfig()
	cfg.ListeningPort = server.Port()
	broadcaster, err := discovery.StartBroadcaster(cfg)
	if err != nil {
		_ = server.Close()
		return err
	}

	a.server = server
	a.broadcaster = broadcaster
	a.wg.Add(1)
	go a.serve(server)

	a.logger.Info("advertising", zap.String("addr", server.Addr().String()))
	return nil
}

// StopAdvertising withdraws the mDNS record and closes the listener. Open
// channels stay up.
func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	server, broadcaster := a.server, a.broadcaster
	a.server, a.broadcaster = nil, nil
	a.mu.Unlock()

	broadcaster.Stop()
	if server != nil {
		_ = server.Close()
	}
}

// StartDiscovery begins periodic mDNS scans.
func (a *Adapter) StartDiscovery(ctx context.Context) {
	err := a.startDiscovery()
	if err != nil {
		a.logger.Warn("discovery failed", zap.Error(err))
	}
	a.callbacks.DiscoveryResult(err)
}

func (a *Adapter) startDiscovery() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.New("lan: adapter stopped")
	}
	if a.scanner != nil {
		return nil
	}

	scanner, err := discovery.NewPeerScanner(a.discoveryConfig())
	if err != nil {
		return err
	}
	if err := scanner.Start(a.ctx); err != nil {
		return err
	}

	a.scanner = scanner
	a.wg.Add(1)
	go a.consumeDiscovery(scanner)
	return nil
}

func (a *Adapter) StopDiscovery() {
	a.mu.Lock()
	scanner := a.scanner
	a.scanner = nil
	a.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
}

// RequestConnection dials every known address of the endpoint until one
// accepts the connect handshake.
func (a *Adapter) RequestConnection(ctx context.Context, endpointID string) error {
	a.mu.Lock()
	peer, known := a.peers[endpointID]
	_, connected := a.conns[endpointID]
	a.mu.Unlock()

	if connected {
		return nil
	}
	if !known {
		return fmt.Errorf("lan: no address for %q: %w", endpointID, connectivity.ErrEndpointNotFound)
	}
	if len(peer.Addresses) == 0 || peer.Port <= 0 {
		return fmt.Errorf("lan: endpoint %q has no usable address", endpointID)
	}

	var lastErr error
	for _, address := range peer.Addresses {
		target := net.JoinHostPort(address, strconv.Itoa(peer.Port))
		conn, err := network.Dial(ctx, target, a.handshakeOptions())
		if err != nil {
			lastErr = err
			a.logger.Debug("dial failed", zap.String("endpoint_id", endpointID), zap.String("addr", target), zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if conn.PeerDeviceID() != endpointID {
			_ = conn.Disconnect()
			lastErr = fmt.Errorf("lan: %s answered as %q", target, conn.PeerDeviceID())
			continue
		}
		if err := a.register(conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, errAlreadyConnected) {
				return nil
			}
			return err
		}
		return nil
	}
	return lastErr
}

// DisconnectFromEndpoint sends peer_disconnect and closes the channel.
func (a *Adapter) DisconnectFromEndpoint(endpointID string) {
	a.mu.Lock()
	conn := a.conns[endpointID]
	delete(a.conns, endpointID)
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
}

// SendMessage writes one payload frame to the endpoint's channel.
func (a *Adapter) SendMessage(endpoint models.Endpoint, payload []byte) error {
	a.mu.Lock()
	conn := a.conns[endpoint.ID]
	a.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("lan: send to %q: %w", endpoint.ID, connectivity.ErrNotConnected)
	}
	return conn.SendPayload(payload)
}

// Stop withdraws advertising, ends discovery and closes every channel.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	conns := a.conns
	a.conns = make(map[string]*network.PeerConnection)
	a.mu.Unlock()

	a.StopAdvertising()
	a.StopDiscovery()
	a.cancel()
	for _, conn := range conns {
		_ = conn.Disconnect()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) serve(server *network.Server) {
	defer a.wg.Done()

	incoming := server.Incoming()
	errs := server.Errors()
	for incoming != nil || errs != nil {
		select {
		case conn, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			a.acceptInbound(conn)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.logger.Debug("inbound handshake failed", zap.Error(err))
		}
	}
}

func (a *Adapter) acceptInbound(conn *network.PeerConnection) {
	id := conn.PeerDeviceID()
	a.callbacks.ConnectionInitiated(id, conn.PeerDeviceName())

	if err := a.register(conn); err != nil {
		_ = conn.Disconnect()
		if errors.Is(err, errAlreadyConnected) {
			return
		}
		a.callbacks.ConnectionResult(id, err)
		return
	}
	a.callbacks.ConnectionResult(id, nil)
}

func (a *Adapter) register(conn *network.PeerConnection) error {
	id := conn.PeerDeviceID()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.New("lan: adapter stopped")
	}
	if _, exists := a.conns[id]; exists {
		return errAlreadyConnected
	}
	a.conns[id] = conn

	a.wg.Add(1)
	go a.readConn(conn)
	return nil
}

func (a *Adapter) readConn(conn *network.PeerConnection) {
	defer a.wg.Done()
	id := conn.PeerDeviceID()

	err := connectivity.ReadLoop(a.ctx, conn, func(payload []byte) {
		a.callbacks.PayloadReceived(id, payload)
	})
	if err != nil {
		a.logger.Info("channel closed", zap.String("endpoint_id", id), zap.Error(err))
	}
	_ = conn.Close()

	a.mu.Lock()
	owned := a.conns[id] == conn
	if owned {
		delete(a.conns, id)
	}
	a.mu.Unlock()

	if owned {
		a.callbacks.Disconnected(id)
	}
}

func (a *Adapter) consumeDiscovery(scanner *discovery.PeerScanner) {
	defer a.wg.Done()

	for event := range scanner.Events() {
		switch event.Type {
		case discovery.EventPeerUpserted:
			a.mu.Lock()
			a.peers[event.Peer.DeviceID] = event.Peer
			a.mu.Unlock()
			a.callbacks.EndpointFound(models.Endpoint{ID: event.Peer.DeviceID, Name: event.Peer.DeviceName})
		case discovery.EventPeerRemoved:
			a.mu.Lock()
			_, connected := a.conns[event.Peer.DeviceID]
			if !connected {
				delete(a.peers, event.Peer.DeviceID)
			}
			a.mu.Unlock()
			// An open channel outlives an expired mDNS record.
			if !connected {
				a.callbacks.EndpointLost(event.Peer.DeviceID)
			}
		case discovery.EventScanFailed:
			a.logger.Warn("scan failed", zap.Error(event.Err))
		}
	}
}

func (a *Adapter) handshakeOptions() network.HandshakeOptions {
	return network.HandshakeOptions{
		Identity: network.LocalIdentity{
			DeviceID:   a.opts.DeviceID,
			DeviceName: a.opts.DeviceName,
		},
		Authorize:         a.authorize,
		Logger:            a.logger,
		ConnectionTimeout: a.opts.ConnectionTimeout,
		KeepAliveInterval: a.opts.KeepAliveInterval,
		KeepAliveTimeout:  a.opts.KeepAliveTimeout,
	}
}

func (a *Adapter) authorize(request network.ConnectRequest) error {
	if request.DeviceID == a.opts.DeviceID {
		return errors.New("connection to self")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.New("shutting down")
	}
	if _, exists := a.conns[request.DeviceID]; exists {
		return errAlreadyConnected
	}
	return nil
}

func (a *Adapter) discoveryConfig() discovery.Config {
	cfg := a.opts.Discovery
	cfg.Service = a.opts.Service
	cfg.SelfDeviceID = a.opts.DeviceID
	cfg.DeviceName = a.opts.DeviceName
	cfg.Interfaces = a.opts.Interfaces
	cfg.Logger = a.logger
	return cfg
}

func isLoopbackAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
