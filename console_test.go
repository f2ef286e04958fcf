package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnet/connectivity"
	"meshnet/models"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type idleAdapter struct {
	mu        sync.Mutex
	connected []string
}

func (a *idleAdapter) IsSupported() bool                { return true }
func (a *idleAdapter) IsBluetoothRequired() bool        { return false }
func (a *idleAdapter) StartAdvertising(context.Context) {}
func (a *idleAdapter) StopAdvertising()                 {}
func (a *idleAdapter) StartDiscovery(context.Context)   {}
func (a *idleAdapter) StopDiscovery()                   {}
func (a *idleAdapter) DisconnectFromEndpoint(string)    {}

func (a *idleAdapter) RequestConnection(_ context.Context, endpointID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = append(a.connected, endpointID)
	return nil
}

func (a *idleAdapter) SendMessage(models.Endpoint, []byte) error { return nil }
func (a *idleAdapter) Stop() error                               { return nil }

func newConsoleCore(t *testing.T) (*connectivity.Core, *idleAdapter) {
	t.Helper()
	core, err := connectivity.NewCore(connectivity.Options{Username: "alice"})
	require.NoError(t, err)
	adapter := &idleAdapter{}
	require.NoError(t, core.Attach(adapter))
	t.Cleanup(func() { _ = core.Close() })
	return core, adapter
}

func TestConsoleSendsTextAndRunsCommands(t *testing.T) {
	core, _ := newConsoleCore(t)
	out := &syncBuffer{}
	in := strings.NewReader("hello mesh\n/status\n/peers\n/bogus\n/quit\nnever sent\n")

	require.NoError(t, newConsole(core, nil, in, out).Run(context.Background()))

	messages := core.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello mesh", messages[0].Text)
	assert.Equal(t, "alice", messages[0].Sender)

	output := out.String()
	assert.Contains(t, output, "advertising: inactive, discovery: inactive")
	assert.Contains(t, output, "no endpoints")
	assert.Contains(t, output, "unknown command /bogus")
	assert.NotContains(t, output, "alice: hello mesh", "own messages are not echoed")
}

func TestConsoleConnectsByIndex(t *testing.T) {
	core, adapter := newConsoleCore(t)
	core.EndpointFound(models.Endpoint{ID: "AA:BB:CC:DD:EE:FF", Name: "bob"})

	out := &syncBuffer{}
	in := strings.NewReader("/connect 1\n/connect\n/connect 9\n")
	require.NoError(t, newConsole(core, nil, in, out).Run(context.Background()))

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.connected) == 1 && adapter.connected[0] == "AA:BB:CC:DD:EE:FF"
	}, 2*time.Second, 10*time.Millisecond)

	output := out.String()
	assert.Contains(t, output, "usage: /connect <n|id>")
	assert.Contains(t, output, `no endpoint "9"`)
}

func TestConsolePrintsIncomingMessages(t *testing.T) {
	core, _ := newConsoleCore(t)
	out := &syncBuffer{}
	reader, writer := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newConsole(core, nil, reader, out).Run(ctx) }()

	attempt := 0
	require.Eventually(t, func() bool {
		// Fresh ids so a payload delivered before the console subscribed
		// does not dedup the next one.
		attempt++
		incoming := models.Message{
			ID:        fmt.Sprintf("m-%d", attempt),
			Text:      "hi alice",
			Sender:    "bob",
			Timestamp: time.UnixMilli(1_700_000_000_000),
		}
		core.PayloadReceived("peer-1", connectivity.Encode(incoming))
		return strings.Contains(out.String(), "bob: hi alice")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	_ = writer.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
}
