package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server accepts inbound TCP sessions and upgrades them to PeerConnection
// once the connect handshake is accepted.
type Server struct {
	listener net.Listener
	options  HandshakeOptions
	logger   *zap.Logger

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.Named("server"),
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	requestPayload, err := ReadFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read connect request: %w", err))
		return
	}

	msgType, err := DecodeMessageType(requestPayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != TypeConnectRequest {
		_ = s.sendMessage(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", TypeConnectRequest, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	request, err := decodeConnectRequest(requestPayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if request.ProtocolVersion != ProtocolVersion {
		_ = s.sendMessage(conn, makeVersionMismatchError(request.ProtocolVersion))
		return
	}

	if s.options.Authorize != nil {
		if err := s.options.Authorize(request); err != nil {
			s.logger.Info("rejecting connect request",
				zap.String("peer_device_id", request.DeviceID),
				zap.Error(err),
			)
			_ = s.sendMessage(conn, ConnectReject{
				Type:      TypeConnectReject,
				DeviceID:  s.options.Identity.DeviceID,
				Reason:    err.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
			return
		}
	}

	if err := s.sendMessage(conn, newConnectAccept(s.options.Identity)); err != nil {
		s.reportError(fmt.Errorf("write connect accept: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	peerConnection := newPeerConnection(conn, s.options.connectionOptions(request.DeviceID, request.DeviceName))

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) sendMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	s.logger.Debug("inbound connection failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}
