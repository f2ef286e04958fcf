package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AuthorizeFunc decides whether an inbound connect request is accepted. A
// non-nil error rejects the request and its text is sent as the reason.
type AuthorizeFunc func(request ConnectRequest) error

// HandshakeOptions configures the connect handshake and connection behavior.
type HandshakeOptions struct {
	Identity  LocalIdentity
	Authorize AuthorizeFunc
	Logger    *zap.Logger

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(peerID, peerName string) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		PeerDeviceID:      peerID,
		PeerDeviceName:    peerName,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		AutoRespondPing:   o.autoRespondPingEnabled(),
		Logger:            o.Logger,
	}
}

func newConnectRequest(identity LocalIdentity) ConnectRequest {
	return ConnectRequest{
		Type:            TypeConnectRequest,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func newConnectAccept(identity LocalIdentity) ConnectAccept {
	return ConnectAccept{
		Type:            TypeConnectAccept,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func decodeConnectRequest(payload []byte) (ConnectRequest, error) {
	var msg ConnectRequest
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ConnectRequest{}, fmt.Errorf("decode connect request: %w", err)
	}
	if msg.DeviceID == "" {
		return ConnectRequest{}, errors.New("connect request without device id")
	}
	return msg, nil
}

func decodeConnectAccept(payload []byte) (ConnectAccept, error) {
	var msg ConnectAccept
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ConnectAccept{}, fmt.Errorf("decode connect accept: %w", err)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return ConnectAccept{}, ErrUnsupportedVersion
	}
	return msg, nil
}

func decodeConnectReject(payload []byte) error {
	var msg ConnectReject
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode connect reject: %w", err)
	}
	if msg.Reason == "" {
		return ErrConnectRejected
	}
	return fmt.Errorf("%w: %s", ErrConnectRejected, msg.Reason)
}
