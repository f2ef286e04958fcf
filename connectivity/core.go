package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshnet/models"
)

const (
	// DefaultConnectTimeout bounds a pending connection attempt.
	DefaultConnectTimeout = 30 * time.Second
	defaultErrorBuffer    = 64
)

// Options configures a Core.
type Options struct {
	Username       string
	ConnectTimeout time.Duration
	Persister      Persister
	Metrics        Metrics
	Logger         *zap.Logger

	// NewID and Now are replaceable for tests.
	NewID func() string
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type pendingConnect struct {
	cancel context.CancelFunc
}

// Core owns the endpoint registry, the message store and the connectivity
// status of one device. It drives a single attached Adapter and implements
// Callbacks for it.
type Core struct {
	opts     Options
	logger   *zap.Logger
	registry *Registry
	store    *Store
	events   *hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	adapter     Adapter
	advertising models.ConnectivityStatus
	discovery   models.ConnectivityStatus
	pending     map[string]*pendingConnect
	closed      bool

	errMu      sync.RWMutex
	errs       chan ConnectivityError
	errsClosed bool

	closeOnce sync.Once
	closeErr  error
}

// NewCore builds a core with empty state. When a Persister is configured the
// stored message log is restored before the core is returned.
func NewCore(opts Options) (*Core, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		opts:    opts,
		logger:  opts.Logger.Named("connectivity"),
		events:  newHub(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingConnect),
		errs:    make(chan ConnectivityError, defaultErrorBuffer),
	}
	c.registry = NewRegistry(c.publishEndpoints, c.logger)
	c.store = NewStore(opts.Persister, c.publishMessages, c.logger)

	restored, err := c.store.Restore()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("restore message log: %w", err)
	}
	if restored > 0 {
		c.logger.Info("restored message log", zap.Int("messages", restored))
	}
	return c, nil
}

// Attach binds the transport adapter. A core accepts exactly one adapter for
// its lifetime.
func (c *Core) Attach(adapter Adapter) error {
	if adapter == nil {
		return ErrNoAdapter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.adapter != nil {
		return ErrAdapterAttached
	}
	c.adapter = adapter
	return nil
}

func (c *Core) Username() string {
	return c.opts.Username
}

// IsSupported reports whether the attached transport can run here.
func (c *Core) IsSupported() bool {
	adapter, err := c.activeAdapter()
	return err == nil && adapter.IsSupported()
}

// IsBluetoothRequired reports whether the attached transport needs Bluetooth.
func (c *Core) IsBluetoothRequired() bool {
	adapter, err := c.activeAdapter()
	return err == nil && adapter.IsBluetoothRequired()
}

func (c *Core) AdvertisingStatus() models.ConnectivityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertising
}

func (c *Core) DiscoveryStatus() models.ConnectivityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovery
}

// Endpoints returns the known endpoints ordered for display.
func (c *Core) Endpoints() []models.Endpoint {
	return SortForDisplay(c.registry.List())
}

// Endpoint returns one endpoint by id.
func (c *Core) Endpoint(endpointID string) (models.Endpoint, bool) {
	return c.registry.Get(endpointID)
}

// Messages returns the message log in insertion order.
func (c *Core) Messages() []models.Message {
	return c.store.List()
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. The channel is closed when the subscription ends or the core
// closes.
func (c *Core) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Errors exposes failures the core handled without returning them to a
// caller: start failures, connection failures, send failures and dropped
// payloads. Errors are dropped when the channel buffer is full.
func (c *Core) Errors() <-chan ConnectivityError {
	return c.errs
}

// ToggleAdvertising starts advertising when it is inactive and stops it
// otherwise.
func (c *Core) ToggleAdvertising() error {
	if c.AdvertisingStatus() == models.StatusInactive {
		return c.StartAdvertising()
	}
	c.StopAdvertising()
	return nil
}

// ToggleDiscovery starts discovery when it is inactive and stops it otherwise.
func (c *Core) ToggleDiscovery() error {
	if c.DiscoveryStatus() == models.StatusInactive {
		return c.StartDiscovery()
	}
	c.StopDiscovery()
	return nil
}

func (c *Core) StartAdvertising() error {
	adapter, err := c.startableAdapter(OpAdvertise)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.advertising != models.StatusInactive {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(RoleAdvertising, models.StatusPending)
	c.mu.Unlock()

	adapter.StartAdvertising(c.ctx)
	return nil
}

func (c *Core) StopAdvertising() {
	if adapter, err := c.activeAdapter(); err == nil {
		adapter.StopAdvertising()
	}
	c.mu.Lock()
	c.setStatusLocked(RoleAdvertising, models.StatusInactive)
	c.mu.Unlock()
}

func (c *Core) StartDiscovery() error {
	adapter, err := c.startableAdapter(OpDiscover)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.discovery != models.StatusInactive {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(RoleDiscovery, models.StatusPending)
	c.mu.Unlock()

	adapter.StartDiscovery(c.ctx)
	return nil
}

func (c *Core) StopDiscovery() {
	if adapter, err := c.activeAdapter(); err == nil {
		adapter.StopDiscovery()
	}
	c.mu.Lock()
	c.setStatusLocked(RoleDiscovery, models.StatusInactive)
	c.mu.Unlock()
}

// RequestConnection starts connecting to a DISCOVERED endpoint. The endpoint
// moves to CONNECTING immediately; the outcome arrives asynchronously as a
// move to CONNECTED or back to DISCOVERED.
func (c *Core) RequestConnection(endpointID string) error {
	adapter, err := c.activeAdapter()
	if err != nil {
		return err
	}
	if err := c.registry.TransitionFrom(endpointID, models.EndpointDiscovered, models.EndpointConnecting); err != nil {
		return fmt.Errorf("request connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	attempt := &pendingConnect{cancel: cancel}

	c.mu.Lock()
	if previous, ok := c.pending[endpointID]; ok {
		previous.cancel()
	}
	c.pending[endpointID] = attempt
	c.mu.Unlock()

	c.logger.Info("connection requested", zap.String("endpoint_id", endpointID))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		err := adapter.RequestConnection(ctx, endpointID)

		c.mu.Lock()
		current, ok := c.pending[endpointID]
		owned := ok && current == attempt
		if owned {
			delete(c.pending, endpointID)
		}
		c.mu.Unlock()

		if !owned {
			// Disconnected or superseded while the adapter was working.
			if err == nil {
				adapter.DisconnectFromEndpoint(endpointID)
			}
			return
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
			adapter.DisconnectFromEndpoint(endpointID)
		}
		c.completeConnection(adapter, endpointID, err)
	}()
	return nil
}

// DisconnectFromEndpoint closes the channel to an endpoint and moves it back
// to DISCOVERED. Unknown or already DISCOVERED endpoints are ignored.
func (c *Core) DisconnectFromEndpoint(endpointID string) {
	endpoint, ok := c.registry.Get(endpointID)
	if !ok {
		c.logger.Debug("disconnect for unknown endpoint", zap.String("endpoint_id", endpointID))
		return
	}
	if endpoint.State == models.EndpointDiscovered {
		return
	}

	c.mu.Lock()
	if attempt, ok := c.pending[endpointID]; ok {
		attempt.cancel()
		delete(c.pending, endpointID)
	}
	c.mu.Unlock()

	if adapter, err := c.activeAdapter(); err == nil {
		adapter.DisconnectFromEndpoint(endpointID)
	}
	if _, err := c.registry.Transition(endpointID, models.EndpointDiscovered); err != nil {
		c.logger.Debug("disconnect transition skipped", zap.String("endpoint_id", endpointID), zap.Error(err))
		return
	}
	c.logger.Info("endpoint disconnected", zap.String("endpoint_id", endpointID))
}

// SendMessage records a new local message and broadcasts it to every
// connected endpoint. Delivery failures are reported on Errors; the message
// stays in the local log either way.
func (c *Core) SendMessage(text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	adapter, err := c.activeAdapter()
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		ID:        c.opts.NewID(),
		Text:      text,
		Timestamp: time.UnixMilli(c.opts.Now().UnixMilli()),
		Sender:    c.opts.Username,
	}
	if c.store.Add(message) {
		c.opts.Metrics.MessageAccepted(OriginLocal)
	}

	c.broadcast(adapter, message, Encode(message))
	return message, nil
}

func (c *Core) broadcast(adapter Adapter, message models.Message, payload []byte) {
	if broadcaster, ok := adapter.(Broadcaster); ok {
		if err := broadcaster.BroadcastMessage(payload); err != nil {
			c.sendFailed("", message.ID, err)
		}
		return
	}

	for _, endpoint := range c.registry.Connected() {
		if err := adapter.SendMessage(endpoint, payload); err != nil {
			c.sendFailed(endpoint.ID, message.ID, err)
		}
	}
}

func (c *Core) sendFailed(endpointID, messageID string, err error) {
	c.opts.Metrics.SendFailed()
	c.logger.Warn("send message failed",
		zap.String("endpoint_id", endpointID),
		zap.String("message_id", messageID),
		zap.Error(err),
	)
	c.reportError(ConnectivityError{Op: OpSend, EndpointID: endpointID, MessageID: messageID, Err: err})
}

// Close stops the adapter, waits for pending connection attempts and closes
// every subscription and the error channel.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		adapter := c.adapter
		for id, attempt := range c.pending {
			attempt.cancel()
			delete(c.pending, id)
		}
		c.mu.Unlock()

		c.cancel()
		if adapter != nil {
			c.closeErr = adapter.Stop()
		}
		c.wg.Wait()

		c.events.close()
		c.errMu.Lock()
		c.errsClosed = true
		close(c.errs)
		c.errMu.Unlock()
	})
	return c.closeErr
}

// EndpointFound records a newly visible endpoint at DISCOVERED. An endpoint
// that is already known keeps its state; only a changed name is applied.
func (c *Core) EndpointFound(endpoint models.Endpoint) {
	existing, ok := c.registry.Get(endpoint.ID)
	if !ok {
		endpoint.State = models.EndpointDiscovered
		c.registry.Add(endpoint)
		c.logger.Debug("endpoint found", zap.String("endpoint_id", endpoint.ID), zap.String("name", endpoint.Name))
		return
	}
	if endpoint.Name != "" && endpoint.Name != existing.Name {
		existing.Name = endpoint.Name
		c.registry.Add(existing)
	}
}

// EndpointLost removes an endpoint, closing its channel if one is open.
func (c *Core) EndpointLost(endpointID string) {
	endpoint, ok := c.registry.Get(endpointID)
	if !ok {
		return
	}
	if endpoint.State != models.EndpointDiscovered {
		c.mu.Lock()
		if attempt, ok := c.pending[endpointID]; ok {
			attempt.cancel()
			delete(c.pending, endpointID)
		}
		c.mu.Unlock()
		if adapter, err := c.activeAdapter(); err == nil {
			adapter.DisconnectFromEndpoint(endpointID)
		}
	}
	c.registry.Remove(endpointID)
	c.logger.Debug("endpoint lost", zap.String("endpoint_id", endpointID))
}

// ConnectionInitiated records a connection attempt started by the remote
// side. Endpoints already connecting or connected are left alone.
func (c *Core) ConnectionInitiated(endpointID, name string) {
	existing, ok := c.registry.Get(endpointID)
	if ok && existing.State != models.EndpointDiscovered {
		return
	}
	if name == "" && ok {
		name = existing.Name
	}
	c.registry.Add(models.Endpoint{ID: endpointID, Name: name, State: models.EndpointConnecting})
	c.logger.Info("connection initiated by remote", zap.String("endpoint_id", endpointID), zap.String("name", name))
}

// ConnectionResult completes a remote-initiated connection attempt.
func (c *Core) ConnectionResult(endpointID string, err error) {
	adapter, adapterErr := c.activeAdapter()
	if adapterErr != nil {
		return
	}
	c.completeConnection(adapter, endpointID, err)
}

func (c *Core) completeConnection(adapter Adapter, endpointID string, err error) {
	if err != nil {
		c.opts.Metrics.ConnectionResult(false)
		if _, terr := c.registry.Transition(endpointID, models.EndpointDiscovered); terr != nil && !errors.Is(terr, ErrEndpointNotFound) {
			c.logger.Error("revert failed connection", zap.String("endpoint_id", endpointID), zap.Error(terr))
		}
		c.logger.Warn("connection failed", zap.String("endpoint_id", endpointID), zap.Error(err))
		c.reportError(ConnectivityError{Op: OpConnect, EndpointID: endpointID, Err: err})
		return
	}

	if _, terr := c.registry.Transition(endpointID, models.EndpointConnected); terr != nil {
		// The endpoint was lost or torn down while connecting.
		c.logger.Warn("connection completed for stale endpoint", zap.String("endpoint_id", endpointID), zap.Error(terr))
		adapter.DisconnectFromEndpoint(endpointID)
		return
	}
	c.opts.Metrics.ConnectionResult(true)
	c.logger.Info("endpoint connected", zap.String("endpoint_id", endpointID))
}

// Disconnected moves an endpoint whose channel closed back to DISCOVERED.
func (c *Core) Disconnected(endpointID string) {
	if _, err := c.registry.Transition(endpointID, models.EndpointDiscovered); err != nil {
		c.logger.Debug("disconnect for unknown endpoint", zap.String("endpoint_id", endpointID), zap.Error(err))
	}
}

// PayloadReceived decodes a payload from a remote endpoint and stores the
// message. Malformed payloads are dropped.
func (c *Core) PayloadReceived(endpointID string, payload []byte) {
	message, err := Decode(payload)
	if err != nil {
		c.opts.Metrics.PayloadDropped()
		c.logger.Warn("dropping malformed payload",
			zap.String("endpoint_id", endpointID),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		c.reportError(ConnectivityError{Op: OpReceive, EndpointID: endpointID, Err: err})
		return
	}

	if !c.store.Add(message) {
		c.opts.Metrics.MessageDuplicate()
		c.logger.Debug("duplicate message ignored", zap.String("message_id", message.ID))
		return
	}
	c.opts.Metrics.MessageAccepted(OriginRemote)
}

// AdvertisingResult completes a pending advertising start. Results arriving
// after advertising was stopped are ignored.
func (c *Core) AdvertisingResult(err error) {
	c.completeStart(RoleAdvertising, &c.advertising, OpAdvertise, err)
}

// DiscoveryResult completes a pending discovery start. Results arriving after
// discovery was stopped are ignored.
func (c *Core) DiscoveryResult(err error) {
	c.completeStart(RoleDiscovery, &c.discovery, OpDiscover, err)
}

func (c *Core) AdvertisingStopped() {
	c.mu.Lock()
	c.setStatusLocked(RoleAdvertising, models.StatusInactive)
	c.mu.Unlock()
}

func (c *Core) DiscoveryStopped() {
	c.mu.Lock()
	c.setStatusLocked(RoleDiscovery, models.StatusInactive)
	c.mu.Unlock()
}

func (c *Core) completeStart(role string, status *models.ConnectivityStatus, op string, err error) {
	c.mu.Lock()
	if *status != models.StatusPending {
		c.mu.Unlock()
		c.logger.Debug("stale start result ignored", zap.String("role", role), zap.Error(err))
		return
	}
	if err != nil {
		c.setStatusLocked(role, models.StatusInactive)
		c.mu.Unlock()
		c.logger.Warn("start failed", zap.String("role", role), zap.Error(err))
		c.reportError(ConnectivityError{Op: op, Err: err})
		return
	}
	c.setStatusLocked(role, models.StatusActive)
	c.mu.Unlock()
	c.logger.Info("started", zap.String("role", role))
}

func (c *Core) setStatusLocked(role string, status models.ConnectivityStatus) {
	var target *models.ConnectivityStatus
	kind := EventAdvertisingStatus
	switch role {
	case RoleAdvertising:
		target = &c.advertising
	default:
		target = &c.discovery
		kind = EventDiscoveryStatus
	}
	if *target == status {
		return
	}
	*target = status
	c.opts.Metrics.StatusChanged(role, status)
	c.events.emit(Event{Kind: kind, Status: status})
}

func (c *Core) activeAdapter() (Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.adapter == nil {
		return nil, ErrNoAdapter
	}
	return c.adapter, nil
}

func (c *Core) startableAdapter(op string) (Adapter, error) {
	adapter, err := c.activeAdapter()
	if err != nil {
		return nil, err
	}
	if !adapter.IsSupported() {
		c.reportError(ConnectivityError{Op: op, Err: ErrUnsupported})
		return nil, ErrUnsupported
	}
	return adapter, nil
}

func (c *Core) reportError(err ConnectivityError) {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	if c.errsClosed {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Core) publishEndpoints(endpoints []models.Endpoint) {
	c.opts.Metrics.EndpointsChanged(endpoints)
	c.events.emit(Event{Kind: EventEndpoints, Endpoints: SortForDisplay(endpoints)})
}

func (c *Core) publishMessages(messages []models.Message, appended models.Message) {
	c.events.emit(Event{Kind: EventMessages, Messages: messages, Message: appended})
}
