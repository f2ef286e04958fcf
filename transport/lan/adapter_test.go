package lan

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"

	"meshnet/connectivity"
	"meshnet/discovery"
	"meshnet/models"
)

// fakeMDNS is an in-memory service registry shared by test nodes.
type fakeMDNS struct {
	mu      sync.Mutex
	records map[string]*zeroconf.ServiceEntry
}

func newFakeMDNS() *fakeMDNS {
	return &fakeMDNS{records: make(map[string]*zeroconf.ServiceEntry)}
}

func (f *fakeMDNS) register(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[instance] = &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: service, Domain: domain},
		HostName:      "localhost.",
		Port:          port,
		Text:          append([]string(nil), text...),
		AddrIPv4:      []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	return nil, nil
}

func (f *fakeMDNS) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	list := make([]*zeroconf.ServiceEntry, 0, len(f.records))
	for _, entry := range f.records {
		if entry.Service == service {
			list = append(list, entry)
		}
	}
	f.mu.Unlock()

	for _, entry := range list {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (f *fakeMDNS) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = make(map[string]*zeroconf.ServiceEntry)
}

type node struct {
	core    *connectivity.Core
	adapter *Adapter
}

func newNode(t *testing.T, mdns *fakeMDNS, deviceID, name string) node {
	t.Helper()

	core, err := connectivity.NewCore(connectivity.Options{Username: name, ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)

	adapter, err := New(Options{
		DeviceID:      deviceID,
		DeviceName:    name,
		ListenAddress: "127.0.0.1:0",
		Discovery: discovery.Config{
			RefreshInterval: 50 * time.Millisecond,
			ScanTimeout:     20 * time.Millisecond,
			Register:        mdns.register,
			Browse:          mdns.browse,
		},
		ConnectionTimeout: 2 * time.Second,
	}, core)
	require.NoError(t, err)
	require.NoError(t, core.Attach(adapter))

	t.Cleanup(func() { _ = core.Close() })
	return node{core: core, adapter: adapter}
}

func waitForEndpoint(t *testing.T, core *connectivity.Core, endpointID string, state models.EndpointState) models.Endpoint {
	t.Helper()
	var found models.Endpoint
	require.Eventually(t, func() bool {
		endpoint, ok := core.Endpoint(endpointID)
		found = endpoint
		return ok && endpoint.State == state
	}, 3*time.Second, 10*time.Millisecond, "endpoint %s never reached %s", endpointID, state)
	return found
}

func TestTwoNodesDiscoverConnectAndChat(t *testing.T) {
	mdns := newFakeMDNS()
	alice := newNode(t, mdns, "alice-device", "alice")
	bob := newNode(t, mdns, "bob-device", "bob")

	require.NoError(t, alice.core.ToggleAdvertising())
	require.Equal(t, models.StatusActive, alice.core.AdvertisingStatus())
	require.NoError(t, bob.core.ToggleDiscovery())
	require.Equal(t, models.StatusActive, bob.core.DiscoveryStatus())

	found := waitForEndpoint(t, bob.core, "alice-device", models.EndpointDiscovered)
	require.Equal(t, "alice", found.Name)

	require.NoError(t, bob.core.RequestConnection("alice-device"))
	waitForEndpoint(t, bob.core, "alice-device", models.EndpointConnected)
	inbound := waitForEndpoint(t, alice.core, "bob-device", models.EndpointConnected)
	require.Equal(t, "bob", inbound.Name)

	sent, err := bob.core.SendMessage("hello | there")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.core.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	received := alice.core.Messages()[0]
	require.Equal(t, sent.ID, received.ID)
	require.Equal(t, "bob", received.Sender)
	require.Equal(t, "hello | there", received.Text)
	require.True(t, sent.Timestamp.Equal(received.Timestamp))

	_, err = alice.core.SendMessage("hi bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.core.Messages()) == 2 }, 3*time.Second, 10*time.Millisecond)

	bob.core.DisconnectFromEndpoint("alice-device")
	endpoint, _ := bob.core.Endpoint("alice-device")
	require.Equal(t, models.EndpointDiscovered, endpoint.State)
	waitForEndpoint(t, alice.core, "bob-device", models.EndpointDiscovered)
}

func TestConnectionFailureRevertsToDiscovered(t *testing.T) {
	mdns := newFakeMDNS()
	alice := newNode(t, mdns, "alice-device", "alice")
	bob := newNode(t, mdns, "bob-device", "bob")

	require.NoError(t, alice.core.ToggleAdvertising())
	require.NoError(t, bob.core.ToggleDiscovery())
	waitForEndpoint(t, bob.core, "alice-device", models.EndpointDiscovered)

	// Alice stops listening but her record is still cached by bob.
	alice.core.StopAdvertising()

	require.NoError(t, bob.core.RequestConnection("alice-device"))
	select {
	case reported := <-bob.core.Errors():
		require.Equal(t, connectivity.OpConnect, reported.Op)
		require.Equal(t, "alice-device", reported.EndpointID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a connection failure")
	}
	waitForEndpoint(t, bob.core, "alice-device", models.EndpointDiscovered)
}

func TestExpiredRecordRemovesDiscoveredEndpoint(t *testing.T) {
	mdns := newFakeMDNS()
	alice := newNode(t, mdns, "alice-device", "alice")
	bob := newNode(t, mdns, "bob-device", "bob")

	require.NoError(t, alice.core.ToggleAdvertising())
	require.NoError(t, bob.core.ToggleDiscovery())
	waitForEndpoint(t, bob.core, "alice-device", models.EndpointDiscovered)

	mdns.clear()
	require.Eventually(t, func() bool {
		_, ok := bob.core.Endpoint("alice-device")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendWithoutChannel(t *testing.T) {
	mdns := newFakeMDNS()
	alice := newNode(t, mdns, "alice-device", "alice")

	err := alice.adapter.SendMessage(models.Endpoint{ID: "nobody"}, []byte("x"))
	require.ErrorIs(t, err, connectivity.ErrNotConnected)

	err = alice.adapter.RequestConnection(context.Background(), "nobody")
	require.ErrorIs(t, err, connectivity.ErrEndpointNotFound)
}

func TestStoppedAdapterRefusesToAdvertise(t *testing.T) {
	mdns := newFakeMDNS()
	alice := newNode(t, mdns, "alice-device", "alice")
	require.NoError(t, alice.adapter.Stop())

	require.NoError(t, alice.core.ToggleAdvertising())
	require.Equal(t, models.StatusInactive, alice.core.AdvertisingStatus())
}

func TestIsSupportedPerBackend(t *testing.T) {
	cases := []struct {
		backend string
		ifaces  []net.Interface
		listen  string
		want    bool
	}{
		{BackendDefault, nil, "127.0.0.1:0", true},
		{BackendWiFiDirect, []net.Interface{{Name: "p2p-wlan0-0", Flags: net.FlagUp}}, "", true},
		{BackendWiFiDirect, []net.Interface{{Name: "p2p-wlan0-0"}}, "", false},
		{BackendWiFiAware, []net.Interface{{Name: "nan0", Flags: net.FlagUp | net.FlagMulticast}}, "", true},
	}

	for _, tc := range cases {
		adapter, err := New(Options{Backend: tc.backend, DeviceID: "d", Interfaces: tc.ifaces, ListenAddress: tc.listen}, noopCallbacks{})
		require.NoError(t, err)
		require.Equal(t, tc.want, adapter.IsSupported(), "backend %s", tc.backend)
		require.False(t, adapter.IsBluetoothRequired())
	}
}

func TestBackendInterfaceMatching(t *testing.T) {
	direct, err := New(Options{Backend: BackendWiFiDirect, DeviceID: "d"}, noopCallbacks{})
	require.NoError(t, err)
	require.True(t, direct.interfaceMatchesBackend(net.Interface{Name: "p2p-wlan0-1"}))
	require.False(t, direct.interfaceMatchesBackend(net.Interface{Name: "eth0"}))

	aware, err := New(Options{Backend: BackendWiFiAware, DeviceID: "d"}, noopCallbacks{})
	require.NoError(t, err)
	require.True(t, aware.interfaceMatchesBackend(net.Interface{Name: "aware_data0"}))

	wired, err := New(Options{DeviceID: "d", ListenAddress: ":0"}, noopCallbacks{})
	require.NoError(t, err)
	require.False(t, wired.interfaceMatchesBackend(net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}))
	require.True(t, wired.interfaceMatchesBackend(net.Interface{Name: "eth0", Flags: net.FlagUp}))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{}, noopCallbacks{})
	require.Error(t, err)
	_, err = New(Options{DeviceID: "d"}, nil)
	require.Error(t, err)
}

type noopCallbacks struct{}

func (noopCallbacks) EndpointFound(models.Endpoint)      {}
func (noopCallbacks) EndpointLost(string)                {}
func (noopCallbacks) ConnectionInitiated(string, string) {}
func (noopCallbacks) ConnectionResult(string, error)     {}
func (noopCallbacks) Disconnected(string)                {}
func (noopCallbacks) PayloadReceived(string, []byte)     {}
func (noopCallbacks) AdvertisingResult(error)            {}
func (noopCallbacks) DiscoveryResult(error)              {}
func (noopCallbacks) AdvertisingStopped()                {}
func (noopCallbacks) DiscoveryStopped()                  {}

var _ connectivity.Callbacks = noopCallbacks{}
