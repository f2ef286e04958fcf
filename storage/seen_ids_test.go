package storage

import (
	"testing"
	"time"
)

func seenSet(t *testing.T, store *Store) map[string]bool {
	t.Helper()
	ids, err := store.LoadSeenIDs()
	if err != nil {
		t.Fatalf("LoadSeenIDs failed: %v", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func TestPruneSeenForgetsOnlyPrunedMessages(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"msg-gone", "msg-kept"} {
		if err := store.SaveMessage(testMessage(id, "alice", id, 1)); err != nil {
			t.Fatalf("SaveMessage %s failed: %v", id, err)
		}
	}
	if _, err := store.db.Exec(`DELETE FROM messages WHERE message_id = ?`, "msg-gone"); err != nil {
		t.Fatalf("delete message row: %v", err)
	}

	count, err := store.CountSeen()
	if err != nil {
		t.Fatalf("CountSeen failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 seen IDs, got %d", count)
	}

	pruned, err := store.PruneSeen(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneSeen failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned seen ID, got %d", pruned)
	}

	seen := seenSet(t, store)
	if seen["msg-gone"] || !seen["msg-kept"] {
		t.Fatalf("unexpected seen state after prune: %v", seen)
	}

	// A forgotten id may be stored again.
	if err := store.SaveMessage(testMessage("msg-gone", "alice", "again", 2)); err != nil {
		t.Fatalf("SaveMessage after prune failed: %v", err)
	}
	count, err = store.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected msg-gone to be stored again, got %d rows", count)
	}
}

func TestPruneSeenKeepsRecentIDs(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveMessage(testMessage("msg-recent", "alice", "hi", 1)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if _, err := store.PruneMessages(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("PruneMessages failed: %v", err)
	}

	pruned, err := store.PruneSeen(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneSeen failed: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("expected recent ID to survive, pruned %d", pruned)
	}
	if !seenSet(t, store)["msg-recent"] {
		t.Fatalf("expected msg-recent to stay seen after its message was pruned")
	}
	if _, err := store.PruneSeen(time.Time{}); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
	if _, err := store.PruneMessages(time.Time{}); err == nil {
		t.Fatalf("expected error for zero message cutoff")
	}
}

func TestMaintainAppliesRetention(t *testing.T) {
	store := newTestStore(t,
		WithMessageRetention(time.Hour),
		WithSeenRetention(3*time.Hour),
		WithEventRetention(time.Hour),
	)

	if err := store.SaveMessage(testMessage("msg-old", "alice", "old", 1)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.LogConnectivityEvent(ConnectivityEvent{Op: "send", Timestamp: nowUnixMilli()}); err != nil {
		t.Fatalf("LogConnectivityEvent failed: %v", err)
	}

	// Past message retention: the row goes, its id stays.
	if err := store.Maintain(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	count, err := store.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired message to be pruned, got %d rows", count)
	}
	if !seenSet(t, store)["msg-old"] {
		t.Fatalf("expected pruned message id to stay seen")
	}
	events, err := store.GetConnectivityEvents(EventFilter{})
	if err != nil {
		t.Fatalf("GetConnectivityEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected expired events to be pruned, got %d", len(events))
	}

	// Past seen retention: the id goes too.
	if err := store.Maintain(time.Now().Add(4 * time.Hour)); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if seenSet(t, store)["msg-old"] {
		t.Fatalf("expected expired seen ID to be pruned")
	}
}

func TestMaintainKeepsMessagesWithoutRetention(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveMessage(testMessage("msg-1", "alice", "hi", 1)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.Maintain(time.Now().Add(365 * 24 * time.Hour)); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	count, err := store.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected message to be kept, got %d rows", count)
	}
}
