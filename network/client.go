package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dial connects to a peer, performs the connect handshake and returns a ready
// PeerConnection. It returns once the peer has accepted, so the connection
// can carry messages immediately. Cancelling ctx aborts the dial or the
// handshake.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	accept, err := clientHandshake(conn, opts)
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newPeerConnection(conn, opts.connectionOptions(accept.DeviceID, accept.DeviceName)), nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (ConnectAccept, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return ConnectAccept{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := EncodeJSON(newConnectRequest(opts.Identity))
	if err != nil {
		return ConnectAccept{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return ConnectAccept{}, fmt.Errorf("send connect request: %w", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		return ConnectAccept{}, fmt.Errorf("read connect response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		return ConnectAccept{}, err
	}
	switch msgType {
	case TypeConnectAccept:
	case TypeConnectReject:
		return ConnectAccept{}, decodeConnectReject(responsePayload)
	case TypeError:
		return ConnectAccept{}, decodeRemoteError(responsePayload)
	default:
		return ConnectAccept{}, fmt.Errorf("expected %q, got %q", TypeConnectAccept, msgType)
	}

	accept, err := decodeConnectAccept(responsePayload)
	if err != nil {
		return ConnectAccept{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return ConnectAccept{}, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return accept, nil
}
