package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshnet/connectivity"
	"meshnet/models"
	"meshnet/network"
)

// DefaultInquiryDuration bounds one classic discovery run. BLE scans run
// until stopped.
const DefaultInquiryDuration = 12 * time.Second

const acceptRetryDelay = 100 * time.Millisecond

var (
	errAlreadyConnected = errors.New("already connected")
	errStopped          = errors.New("bluetooth: adapter stopped")
)

// Options configures a Bluetooth adapter. Nil hooks are filled with the
// platform implementation.
type Options struct {
	Backend    string
	DeviceName string

	Channel uint8
	// ScanDuration ends a discovery run on its own. Zero scans until
	// discovery is stopped.
	ScanDuration time.Duration

	Radio        Radio
	ListenStream ListenStreamFunc
	DialStream   DialStreamFunc
	ServeGATT    ServeGATTFunc
	DialGATT     DialGATTFunc
	// Available reports whether a controller is present.
	Available func() bool

	Logger *zap.Logger
}

type link interface {
	send(payload []byte) error
	close() error
}

type streamLink struct {
	mu     sync.Mutex
	stream Stream
}

func (l *streamLink) send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return network.WriteFrame(l.stream, payload)
}

func (l *streamLink) close() error {
	return l.stream.Close()
}

type gattLink struct {
	client GATTClient
}

func (l gattLink) send(payload []byte) error { return l.client.Write(payload) }
func (l gattLink) close() error              { return l.client.Close() }

// Adapter is the Bluetooth transport adapter.
type Adapter struct {
	opts      Options
	callbacks connectivity.Callbacks
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	enabled     bool
	advertising bool
	listener    StreamListener
	gatt        GATTServer
	scanCancel  context.CancelFunc
	scanDone    chan struct{}
	names       map[string]string
	links       map[string]link
	stopped     bool
}

// New builds an idle adapter for one of the Bluetooth backends.
func New(opts Options, callbacks connectivity.Callbacks) (*Adapter, error) {
	switch opts.Backend {
	case BackendClassic, BackendBLE, BackendGATT:
	default:
		return nil, fmt.Errorf("bluetooth: unknown backend %q", opts.Backend)
	}
	if callbacks == nil {
		return nil, errors.New("bluetooth: callbacks are required")
	}
	if opts.Channel == 0 {
		opts.Channel = DefaultRFCOMMChannel
	}
	if opts.ScanDuration == 0 && opts.Backend == BackendClassic {
		opts.ScanDuration = DefaultInquiryDuration
	}
	if opts.ScanDuration < 0 {
		opts.ScanDuration = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	applyPlatformDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:      opts,
		callbacks: callbacks,
		logger:    opts.Logger.Named("bluetooth").With(zap.String("backend", opts.Backend)),
		ctx:       ctx,
		cancel:    cancel,
		names:     make(map[string]string),
		links:     make(map[string]link),
	}, nil
}

// IsSupported reports whether the platform provides every hook the backend
// needs and a controller is present.
func (a *Adapter) IsSupported() bool {
	if a.opts.Radio == nil {
		return false
	}
	if a.opts.Backend == BackendGATT {
		if a.opts.ServeGATT == nil || a.opts.DialGATT == nil {
			return false
		}
	} else if a.opts.ListenStream == nil || a.opts.DialStream == nil {
		return false
	}
	if a.opts.Available != nil {
		return a.opts.Available()
	}
	return true
}

func (a *Adapter) IsBluetoothRequired() bool {
	return true
}

// StartAdvertising opens the inbound side of the backend and starts the
// radio advertisement.
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
		return errStopped
	}
	if a.advertising {
		return nil
	}
	if !a.IsSupported() {
		return ErrUnavailable
	}
	if err := a.enableLocked(); err != nil {
		return err
	}

	var (
		listener StreamListener
		gatt     GATTServer
		err      error
	)
	if a.opts.Backend == BackendGATT {
		gatt, err = a.opts.ServeGATT(a.handleCentralWrite)
	} else {
		listener, err = a.opts.ListenStream(a.opts.Channel)
	}
	if err != nil {
		return err
	}

	adv := Advertisement{LocalName: a.opts.DeviceName}
	if a.opts.Backend != BackendClassic {
		adv.ServiceUUID = ServiceUUID
	}
	if err := a.opts.Radio.Advertise(adv); err != nil {
		if listener != nil {
			_ = listener.Close()
		}
		if gatt != nil {
			_ = gatt.Close()
		}
		return fmt.Errorf("bluetooth: advertise: %w", err)
	}

	a.advertising = true
	a.listener = listener
	a.gatt = gatt
	if listener != nil {
		a.wg.Add(1)
		go a.acceptLoop(listener)
	}
	a.logger.Info("advertising", zap.Uint8("channel", a.opts.Channel))
	return nil
}

// StopAdvertising ends the advertisement and closes the inbound side. Open
// channels stay up.
func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	advertising := a.advertising
	listener, gatt := a.listener, a.gatt
	a.advertising = false
	a.listener, a.gatt = nil, nil
	a.mu.Unlock()

	if !advertising {
		return
	}
	if err := a.opts.Radio.StopAdvertising(); err != nil {
		a.logger.Debug("stop advertising failed", zap.Error(err))
	}
	if listener != nil {
		_ = listener.Close()
	}
	if gatt != nil {
		_ = gatt.Close()
	}
}

// StartDiscovery starts a scan. Classic scans end after ScanDuration and
// report DiscoveryStopped.
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
		return errStopped
	}
	if a.scanCancel != nil {
		return nil
	}
	if !a.IsSupported() {
		return ErrUnavailable
	}
	if err := a.enableLocked(); err != nil {
		return err
	}

	var (
		scanCtx context.Context
		cancel  context.CancelFunc
	)
	if a.opts.ScanDuration > 0 {
		scanCtx, cancel = context.WithTimeout(a.ctx, a.opts.ScanDuration)
	} else {
		scanCtx, cancel = context.WithCancel(a.ctx)
	}
	done := make(chan struct{})
	a.scanCancel = cancel
	a.scanDone = done

	a.wg.Add(1)
	go a.scan(scanCtx, cancel, done)
	return nil
}

func (a *Adapter) scan(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)

	err := a.opts.Radio.Scan(ctx, a.handleScanResult)
	stoppedByUser := errors.Is(ctx.Err(), context.Canceled)
	cancel()
	if err != nil && !stoppedByUser {
		a.logger.Warn("scan failed", zap.Error(err))
	}

	a.mu.Lock()
	owned := a.scanDone == done
	if owned {
		a.scanCancel = nil
		a.scanDone = nil
	}
	a.mu.Unlock()

	// Scans that end on their own leave discovery inactive.
	if owned {
		a.logger.Debug("scan finished")
		a.callbacks.DiscoveryStopped()
	}
}

func (a *Adapter) StopDiscovery() {
	a.stopScan()
}

func (a *Adapter) stopScan() <-chan struct{} {
	a.mu.Lock()
	cancel, done := a.scanCancel, a.scanDone
	a.scanCancel, a.scanDone = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return done
}

func (a *Adapter) handleScanResult(result ScanResult) {
	if a.opts.Backend != BackendClassic && !result.HasService {
		return
	}
	id, err := NormalizeAddress(result.Address)
	if err != nil {
		return
	}

	a.mu.Lock()
	previous, seen := a.names[id]
	if seen && (result.Name == "" || result.Name == previous) {
		a.mu.Unlock()
		return
	}
	name := result.Name
	if name == "" {
		name = previous
	}
	a.names[id] = name
	a.mu.Unlock()

	a.callbacks.EndpointFound(models.Endpoint{ID: id, Name: name})
}

// RequestConnection opens a channel to the device with the given address.
// A running scan is stopped first; the radio cannot page and inquire at the
// same time.
func (a *Adapter) RequestConnection(ctx context.Context, endpointID string) error {
	id, err := NormalizeAddress(endpointID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	stopped := a.stopped
	_, connected := a.links[id]
	a.mu.Unlock()
	if stopped {
		return errStopped
	}
	if connected {
		return nil
	}
	if !a.IsSupported() {
		return ErrUnavailable
	}

	if done := a.stopScan(); done != nil {
		a.callbacks.DiscoveryStopped()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if a.opts.Backend == BackendGATT {
		return a.connectGATT(ctx, id)
	}
	return a.connectStream(ctx, id)
}

func (a *Adapter) connectGATT(ctx context.Context, id string) error {
	client, err := a.opts.DialGATT(ctx, id, func(payload []byte) {
		a.callbacks.PayloadReceived(id, payload)
	})
	if err != nil {
		return err
	}
	if err := a.register(id, gattLink{client: client}); err != nil {
		_ = client.Close()
		if errors.Is(err, errAlreadyConnected) {
			return nil
		}
		return err
	}
	a.logger.Info("connected", zap.String("endpoint_id", id))
	return nil
}

func (a *Adapter) connectStream(ctx context.Context, id string) error {
	stream, err := a.opts.DialStream(ctx, id, a.opts.Channel)
	if err != nil {
		return err
	}
	l := &streamLink{stream: stream}
	if err := a.register(id, l); err != nil {
		_ = stream.Close()
		if errors.Is(err, errAlreadyConnected) {
			return nil
		}
		return err
	}
	a.startReader(id, l)
	a.logger.Info("connected", zap.String("endpoint_id", id))
	return nil
}

// DisconnectFromEndpoint closes the channel to an endpoint.
func (a *Adapter) DisconnectFromEndpoint(endpointID string) {
	a.mu.Lock()
	l := a.links[endpointID]
	delete(a.links, endpointID)
	a.mu.Unlock()

	if l != nil {
		_ = l.close()
	}
}

// SendMessage writes one payload to the endpoint's channel.
func (a *Adapter) SendMessage(endpoint models.Endpoint, payload []byte) error {
	a.mu.Lock()
	l := a.links[endpoint.ID]
	a.mu.Unlock()

	if l == nil {
		return fmt.Errorf("bluetooth: send to %q: %w", endpoint.ID, connectivity.ErrNotConnected)
	}
	return l.send(payload)
}

// BroadcastMessage delivers a payload to every peer. Centrals subscribed to
// the local GATT server receive a single notification; outbound channels get
// one write each.
func (a *Adapter) BroadcastMessage(payload []byte) error {
	a.mu.Lock()
	gatt := a.gatt
	links := make(map[string]link, len(a.links))
	for id, l := range a.links {
		links[id] = l
	}
	a.mu.Unlock()

	var errs []error
	if gatt != nil {
		if err := gatt.Notify(payload); err != nil {
			errs = append(errs, fmt.Errorf("bluetooth: notify: %w", err))
		}
	}
	for id, l := range links {
		if err := l.send(payload); err != nil {
			errs = append(errs, fmt.Errorf("bluetooth: send to %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stop ends advertising and discovery and closes every channel.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	links := a.links
	a.links = make(map[string]link)
	a.mu.Unlock()

	a.StopAdvertising()
	a.stopScan()
	a.cancel()
	for _, l := range links {
		_ = l.close()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) enableLocked() error {
	if a.enabled {
		return nil
	}
	if err := a.opts.Radio.Enable(); err != nil {
		return fmt.Errorf("bluetooth: enable radio: %w", err)
	}
	a.enabled = true
	return nil
}

func (a *Adapter) acceptLoop(listener StreamListener) {
	defer a.wg.Done()

	for {
		stream, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.ctx.Err() != nil {
				return
			}
			a.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		a.acceptInbound(stream)
	}
}

func (a *Adapter) acceptInbound(stream Stream) {
	id, err := NormalizeAddress(stream.RemoteAddress())
	if err != nil {
		a.logger.Debug("rejecting inbound channel", zap.Error(err))
		_ = stream.Close()
		return
	}

	a.mu.Lock()
	name := a.names[id]
	a.mu.Unlock()
	a.callbacks.ConnectionInitiated(id, name)

	l := &streamLink{stream: stream}
	if err := a.register(id, l); err != nil {
		_ = stream.Close()
		if errors.Is(err, errAlreadyConnected) {
			return
		}
		a.callbacks.ConnectionResult(id, err)
		return
	}
	a.callbacks.ConnectionResult(id, nil)
	a.startReader(id, l)
}

func (a *Adapter) register(id string, l link) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errStopped
	}
	if _, exists := a.links[id]; exists {
		return errAlreadyConnected
	}
	a.links[id] = l
	return nil
}

// startReader runs the read loop for a registered stream. The loop starts
// after the connection result is reported so Disconnected never overtakes it.
func (a *Adapter) startReader(id string, l *streamLink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.links[id] != link(l) {
		_ = l.close()
		return
	}
	a.wg.Add(1)
	go a.readStream(id, l)
}

func (a *Adapter) readStream(id string, l *streamLink) {
	defer a.wg.Done()

	// RFCOMM is a byte stream; payloads travel as length-prefixed frames.
	reader := connectivity.PayloadReaderFunc(func(context.Context) ([]byte, error) {
		return network.ReadFrame(l.stream)
	})
	err := connectivity.ReadLoop(a.ctx, reader, func(payload []byte) {
		a.callbacks.PayloadReceived(id, payload)
	})
	if err != nil {
		a.logger.Info("channel closed", zap.String("endpoint_id", id), zap.Error(err))
	}
	_ = l.close()

	a.mu.Lock()
	owned := a.links[id] == link(l)
	if owned {
		delete(a.links, id)
	}
	a.mu.Unlock()

	if owned {
		a.callbacks.Disconnected(id)
	}
}

func (a *Adapter) handleCentralWrite(central string, payload []byte) {
	a.callbacks.PayloadReceived(central, payload)
}
