// Package session wires a configured device together: logger, optional
// message storage, metrics, the connectivity core and the transport adapter
// chosen by the configured backend.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshnet/config"
	"meshnet/connectivity"
	"meshnet/logging"
	"meshnet/metrics"
	"meshnet/models"
	"meshnet/storage"
	"meshnet/transport/bluetooth"
)

// Options supplies process-level collaborators. Zero values pick the
// production defaults.
type Options struct {
	// DataDir holds the message database. Empty resolves the config data
	// directory.
	DataDir string
	// Logger overrides the logger built from cfg.Log.
	Logger *zap.Logger
	// Registerer receives the Prometheus collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
	// Select builds the adapter; defaults to Select.
	Select SelectFunc
	// Bluetooth overrides radio and socket hooks of the Bluetooth backends.
	Bluetooth bluetooth.Options
}

// Session is one running device. It owns everything it builds.
type Session struct {
	cfg     config.DeviceConfig
	logger  *zap.Logger
	log     *zap.Logger
	core    *connectivity.Core
	adapter connectivity.Adapter
	store   *storage.Store
	metrics *metrics.Metrics

	events      <-chan connectivity.Event
	unsubscribe func()

	ownsLogger bool
}

// New builds a session for cfg. The adapter is attached but idle: nothing
// touches the radio or the network until advertising or discovery starts.
func New(cfg *config.DeviceConfig, opts Options) (_ *Session, err error) {
	if cfg == nil {
		return nil, errors.New("session: config is required")
	}
	if opts.Select == nil {
		opts.Select = Select
	}

	s := &Session{cfg: *cfg, logger: opts.Logger}
	if s.logger == nil {
		s.logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		s.ownsLogger = true
	}
	s.log = s.logger.Named("session")
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	var persister connectivity.Persister
	if cfg.PersistMessages {
		dataDir := opts.DataDir
		if dataDir == "" {
			if dataDir, err = config.ResolveDataDir(); err != nil {
				return nil, err
			}
		}
		var dbPath string
		s.store, dbPath, err = storage.Open(dataDir, StorageOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("open message store: %w", err)
		}
		persister = s.store
		s.log.Info("message store opened", zap.String("path", dbPath))
	}

	s.metrics = metrics.NewMetricsWithRegisterer(metrics.DefaultNamespace, opts.Registerer)

	s.core, err = connectivity.NewCore(connectivity.Options{
		Username:       cfg.Username,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		Persister:      persister,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.events, s.unsubscribe = s.core.Subscribe(0)

	deps, err := s.deps(opts)
	if err != nil {
		return nil, err
	}
	s.adapter, err = opts.Select(cfg.ConnectivityBackend, deps)
	if err != nil {
		return nil, err
	}
	if err = s.core.Attach(s.adapter); err != nil {
		_ = s.adapter.Stop()
		return nil, err
	}

	s.log.Info("session ready",
		zap.String("device_id", cfg.DeviceID),
		zap.String("username", cfg.Username),
		zap.String("backend", cfg.ConnectivityBackend),
		zap.Bool("supported", s.core.IsSupported()),
	)
	return s, nil
}

func (s *Session) deps(opts Options) (Deps, error) {
	deps := Deps{
		DeviceID:       s.cfg.DeviceID,
		DeviceName:     s.cfg.Username,
		Service:        s.cfg.ServiceName,
		ConnectTimeout: time.Duration(s.cfg.ConnectTimeoutSeconds) * time.Second,
		Bluetooth:      opts.Bluetooth,
		Callbacks:      s.core,
		Logger:         s.logger,
	}
	if s.cfg.PortMode == config.PortModeFixed && s.cfg.ListeningPort > 0 {
		deps.ListenAddress = fmt.Sprintf(":%d", s.cfg.ListeningPort)
	}
	if s.cfg.Interface != "" {
		iface, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return Deps{}, fmt.Errorf("resolve interface %q: %w", s.cfg.Interface, err)
		}
		deps.Interfaces = []net.Interface{*iface}
	}
	return deps, nil
}

func (s *Session) Core() *connectivity.Core { return s.core }

// Store returns the message store, or nil when persistence is disabled.
func (s *Session) Store() *storage.Store { return s.store }

// Run records connectivity errors and endpoint sightings until ctx ends or
// the session is closed. Sightings since New are included.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.drainErrors(ctx)
	})
	g.Go(func() error {
		return s.recordEndpoints(ctx, s.events)
	})
	return g.Wait()
}

func (s *Session) drainErrors(ctx context.Context) error {
	errs := s.core.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr, ok := <-errs:
			if !ok {
				return nil
			}
			s.logError(cerr)
		}
	}
}

func (s *Session) logError(cerr connectivity.ConnectivityError) {
	severity := severityOf(cerr)
	fields := []zap.Field{
		zap.String("op", cerr.Op),
		zap.String("endpoint_id", cerr.EndpointID),
		zap.String("message_id", cerr.MessageID),
		zap.Error(cerr.Err),
	}
	if severity == storage.SeverityError {
		s.log.Error("connectivity error", fields...)
	} else {
		s.log.Warn("connectivity error", fields...)
	}

	if s.store == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{
		"backend": s.cfg.ConnectivityBackend,
		"error":   errorText(cerr.Err),
	})
	event := storage.ConnectivityEvent{
		Op:       cerr.Op,
		Details:  string(details),
		Severity: severity,
	}
	if cerr.EndpointID != "" {
		event.EndpointID = &cerr.EndpointID
	}
	if cerr.MessageID != "" {
		event.MessageID = &cerr.MessageID
	}
	if err := s.store.LogConnectivityEvent(event); err != nil {
		s.log.Warn("record connectivity event failed", zap.Error(err))
	}
}

func (s *Session) recordEndpoints(ctx context.Context, events <-chan connectivity.Event) error {
	known := make(map[string]models.Endpoint)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Kind != connectivity.EventEndpoints {
				continue
			}
			for _, endpoint := range event.Endpoints {
				s.recordEndpoint(known[endpoint.ID], endpoint)
				known[endpoint.ID] = endpoint
			}
		}
	}
}

func (s *Session) recordEndpoint(previous, current models.Endpoint) {
	if s.store == nil {
		return
	}
	now := time.Now().UnixMilli()
	backend := s.cfg.ConnectivityBackend

	if previous.ID == "" || previous.Name != current.Name {
		if err := s.store.RecordEndpointSeen(current.ID, backend, current.Name, now); err != nil {
			s.log.Warn("record endpoint failed", zap.String("endpoint_id", current.ID), zap.Error(err))
		}
	}
	wasConnected := previous.ID != "" && previous.State == models.EndpointConnected
	if current.State == models.EndpointConnected && !wasConnected {
		if err := s.store.MarkEndpointConnected(current.ID, backend, now); err != nil {
			s.log.Warn("mark endpoint connected failed", zap.String("endpoint_id", current.ID), zap.Error(err))
		}
	}
}

// Close stops the adapter, closes the core and flushes storage.
func (s *Session) Close() error {
	var errs []error
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.core != nil {
		if err := s.core.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close core: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.ownsLogger {
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}

// release undoes a partially built session.
func (s *Session) release() {
	if s.core != nil {
		_ = s.core.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.ownsLogger && s.logger != nil {
		_ = s.logger.Sync()
	}
}

func severityOf(cerr connectivity.ConnectivityError) string {
	switch {
	case errors.Is(cerr.Err, connectivity.ErrUnsupported):
		return storage.SeverityError
	case cerr.Op == connectivity.OpReceive:
		return storage.SeverityInfo
	default:
		return storage.SeverityWarning
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StorageOptions maps the configured retention onto the message store.
func StorageOptions(cfg *config.DeviceConfig) []storage.Option {
	const day = 24 * time.Hour
	return []storage.Option{
		storage.WithMessageRetention(time.Duration(cfg.Storage.MessageRetentionDays) * day),
		storage.WithSeenRetention(time.Duration(cfg.Storage.SeenRetentionDays) * day),
		storage.WithEventRetention(time.Duration(cfg.Storage.EventRetentionDays) * day),
	}
}
