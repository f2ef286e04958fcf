package connectivity

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshnet/models"
)

type memoryPersister struct {
	saved   []models.Message
	loadErr error
	saveErr error
}

type seenPersister struct {
	memoryPersister
	seen    []string
	seenErr error
}

func (p *seenPersister) LoadSeenIDs() ([]string, error) {
	return p.seen, p.seenErr
}

func (p *memoryPersister) SaveMessage(message models.Message) error {
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, message)
	return nil
}

func (p *memoryPersister) LoadMessages() ([]models.Message, error) {
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	out := make([]models.Message, len(p.saved))
	copy(out, p.saved)
	return out, nil
}

func testMessage(id string) models.Message {
	return models.Message{ID: id, Text: "text " + id, Timestamp: time.UnixMilli(1000), Sender: "tester"}
}

func TestStoreAddIsIdempotentByID(t *testing.T) {
	published := 0
	store := NewStore(nil, func([]models.Message, models.Message) { published++ }, nil)

	require.True(t, store.Add(testMessage("m1")))
	require.False(t, store.Add(testMessage("m1")))
	duplicate := testMessage("m1")
	duplicate.Text = "different body"
	require.False(t, store.Add(duplicate))

	require.Len(t, store.List(), 1)
	require.Equal(t, "text m1", store.List()[0].Text)
	require.Equal(t, 1, published)
}

func TestStoreKeepsInsertionOrder(t *testing.T) {
	store := NewStore(nil, nil, nil)
	for _, id := range []string{"c", "a", "b"} {
		store.Add(testMessage(id))
	}

	var ids []string
	for _, message := range store.List() {
		ids = append(ids, message.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestStorePersistsAcceptedMessagesOnly(t *testing.T) {
	persister := &memoryPersister{}
	store := NewStore(persister, nil, nil)
	store.Add(testMessage("m1"))
	store.Add(testMessage("m1"))
	store.Add(testMessage("m2"))

	require.Len(t, persister.saved, 2)
}

func TestStoreKeepsMessageWhenPersistFails(t *testing.T) {
	persister := &memoryPersister{saveErr: errors.New("disk full")}
	store := NewStore(persister, nil, nil)

	require.True(t, store.Add(testMessage("m1")))
	require.Len(t, store.List(), 1)
}

func TestStoreRestoreRebuildsDedupIndex(t *testing.T) {
	persister := &memoryPersister{saved: []models.Message{testMessage("m1"), testMessage("m2"), testMessage("m1")}}
	store := NewStore(persister, nil, nil)

	restored, err := store.Restore()
	require.NoError(t, err)
	require.Equal(t, 2, restored)
	require.False(t, store.Add(testMessage("m2")))
}

func TestStoreRestoreError(t *testing.T) {
	store := NewStore(&memoryPersister{loadErr: errors.New("corrupt")}, nil, nil)
	_, err := store.Restore()
	require.Error(t, err)
}

func TestStoreRestoreMarksPrunedIDsSeen(t *testing.T) {
	persister := &seenPersister{
		memoryPersister: memoryPersister{saved: []models.Message{testMessage("kept")}},
		seen:            []string{"pruned", "kept"},
	}
	store := NewStore(persister, nil, nil)

	restored, err := store.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	require.False(t, store.Add(testMessage("pruned")))
	require.Len(t, store.List(), 1)
	require.Len(t, persister.saved, 1)
}

func TestStoreRestoreSeenIDError(t *testing.T) {
	store := NewStore(&seenPersister{seenErr: errors.New("locked")}, nil, nil)
	_, err := store.Restore()
	require.Error(t, err)
	require.Empty(t, store.List())
}

func TestStoreConcurrentAddsAcceptEachIDOnce(t *testing.T) {
	persister := &memoryPersister{}
	var mu sync.Mutex
	published := 0
	store := NewStore(persister, func([]models.Message, models.Message) {
		mu.Lock()
		published++
		mu.Unlock()
	}, nil)

	const readers = 64
	accepted := make(chan bool, readers*2)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted <- store.Add(testMessage("same"))
			accepted <- store.Add(testMessage(fmt.Sprintf("own-%d", i)))
		}(i)
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	require.Equal(t, readers+1, wins)
	require.Len(t, store.List(), readers+1)
	require.Len(t, persister.saved, readers+1)
	require.Equal(t, readers+1, published)

	count := 0
	for _, message := range store.List() {
		if message.ID == "same" {
			count++
		}
	}
	require.Equal(t, 1, count)
}
