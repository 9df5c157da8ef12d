package storage

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), "ALPHA-1", Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, id, sender, recipient, direction string, at time.Time) {
	t.Helper()

	err := store.SaveMessage(Message{
		ID:         id,
		Sender:     sender,
		Recipient:  recipient,
		Text:       "text-" + id,
		Direction:  direction,
		Timestamp:  at,
		RecordedAt: at,
	})
	if err != nil {
		t.Fatalf("save message %q: %v", id, err)
	}
}
