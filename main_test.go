package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"meshnet/models"
	"meshnet/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPruneHistoryKeepsIDsSeen(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveMessage(models.Message{ID: "m1", Text: "hi", Sender: "bob", Timestamp: time.UnixMilli(1)}))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, pruneHistory(cmd, store, -time.Second))
	require.Equal(t, "pruned 1 messages, 0 kept, 1 ids remembered\n", out.String())

	ids, err := store.LoadSeenIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)
}

func TestForgetPeer(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UnixMilli()
	require.NoError(t, store.RecordEndpointSeen("peer-1", "default", "bob", now))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, forgetPeer(cmd, store, "peer-1", "default"))
	require.Equal(t, "forgot peer-1 (bob) on default\n", out.String())

	records, err := store.ListEndpoints("")
	require.NoError(t, err)
	require.Empty(t, records)

	require.ErrorContains(t, forgetPeer(cmd, store, "peer-1", "default"), `no endpoint "peer-1"`)
}
