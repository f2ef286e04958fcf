package storage

import (
	"errors"
	"testing"
)

func TestEndpointHistory(t *testing.T) {
	store := newTestStore(t)

	firstSeen := nowUnixMilli() - 10_000
	if err := store.RecordEndpointSeen("AA:BB:CC:DD:EE:01", "ble", "Alice", firstSeen); err != nil {
		t.Fatalf("RecordEndpointSeen failed: %v", err)
	}
	if err := store.RecordEndpointSeen("peer-2", "default", "", firstSeen+1); err != nil {
		t.Fatalf("RecordEndpointSeen second endpoint failed: %v", err)
	}

	// A later sighting without a name keeps the stored one.
	lastSeen := nowUnixMilli()
	if err := store.RecordEndpointSeen("AA:BB:CC:DD:EE:01", "ble", "", lastSeen); err != nil {
		t.Fatalf("RecordEndpointSeen refresh failed: %v", err)
	}

	got, err := store.GetEndpoint("AA:BB:CC:DD:EE:01", "ble")
	if err != nil {
		t.Fatalf("GetEndpoint failed: %v", err)
	}
	if got.Name != "Alice" {
		t.Fatalf("expected name Alice, got %q", got.Name)
	}
	if got.FirstSeen != firstSeen || got.LastSeen != lastSeen {
		t.Fatalf("unexpected sighting times: %+v", got)
	}
	if got.LastConnected != nil {
		t.Fatalf("expected no connection yet, got %d", *got.LastConnected)
	}

	if err := store.MarkEndpointConnected("AA:BB:CC:DD:EE:01", "ble", lastSeen+5); err != nil {
		t.Fatalf("MarkEndpointConnected failed: %v", err)
	}
	got, err = store.GetEndpoint("AA:BB:CC:DD:EE:01", "ble")
	if err != nil {
		t.Fatalf("GetEndpoint after connect failed: %v", err)
	}
	if got.LastConnected == nil || *got.LastConnected != lastSeen+5 {
		t.Fatalf("unexpected last_connected: %+v", got.LastConnected)
	}

	all, err := store.ListEndpoints("")
	if err != nil {
		t.Fatalf("ListEndpoints failed: %v", err)
	}
	if len(all) != 2 || all[0].EndpointID != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("expected most recently seen endpoint first, got %+v", all)
	}

	ble, err := store.ListEndpoints("ble")
	if err != nil {
		t.Fatalf("ListEndpoints ble failed: %v", err)
	}
	if len(ble) != 1 {
		t.Fatalf("expected 1 ble endpoint, got %d", len(ble))
	}

	if err := store.MarkEndpointConnected("unknown", "ble", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}

	if err := store.ForgetEndpoint("peer-2", "default"); err != nil {
		t.Fatalf("ForgetEndpoint failed: %v", err)
	}
	if _, err := store.GetEndpoint("peer-2", "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ForgetEndpoint, got %v", err)
	}
}

func TestRecordEndpointSeenValidates(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordEndpointSeen(" ", "ble", "x", 0); err == nil {
		t.Fatalf("expected error for empty endpoint id")
	}
	if err := store.RecordEndpointSeen("id", "", "x", 0); err == nil {
		t.Fatalf("expected error for empty backend")
	}
}
