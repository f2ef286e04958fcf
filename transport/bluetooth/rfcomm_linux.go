//go:build linux

package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	rfcommBacklog    = 4
	pollIntervalMsec = 200
)

type rfcommStream struct {
	*os.File
	remote string
}

func (s *rfcommStream) RemoteAddress() string {
	return s.remote
}

// newRFCOMMStream hands a connected socket to the runtime poller so that
// Close unblocks a pending Read.
func newRFCOMMStream(fd int, remote string) (*rfcommStream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &rfcommStream{File: os.NewFile(uintptr(fd), "rfcomm:"+remote), remote: remote}, nil
}

type rfcommListener struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func listenRFCOMM(channel uint8) (StreamListener, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: rfcomm socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluetooth: bind rfcomm channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, rfcommBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluetooth: listen rfcomm: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &rfcommListener{fd: fd}, nil
}

// Accept polls in short intervals so Close can take the socket between
// them.
func (l *rfcommListener) Accept() (Stream, error) {
	for {
		stream, err := l.acceptOnce()
		if stream != nil || err != nil {
			return stream, err
		}
	}
}

func (l *rfcommListener) acceptOnce() (Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, net.ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, pollIntervalMsec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("bluetooth: poll rfcomm: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("bluetooth: accept rfcomm: %w", err)
	}
	remote, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		_ = unix.Close(nfd)
		return nil, fmt.Errorf("bluetooth: unexpected peer address %T", sa)
	}
	return newRFCOMMStream(nfd, formatAddressBytes(remote.Addr))
}

func (l *rfcommListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

func dialRFCOMM(ctx context.Context, address string, channel uint8) (Stream, error) {
	remote, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	addr, err := addressBytes(remote)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: rfcomm socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluetooth: connect %s: %w", remote, err)
	}
	if err != nil {
		if err := waitConnected(ctx, fd); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("bluetooth: connect %s: %w", remote, err)
		}
	}
	return newRFCOMMStream(fd, remote)
}

func waitConnected(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollIntervalMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}
