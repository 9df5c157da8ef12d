// Package history keeps per-peer conversation entries in memory.
package history

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DirectionSent marks an entry this node delivered.
	DirectionSent Direction = "sent"
	// DirectionReceived marks an entry this node decrypted.
	DirectionReceived Direction = "received"

	// DefaultAutoDeleteAfter is how long auto-delete entries are kept.
	DefaultAutoDeleteAfter = 5 * time.Minute
	// DefaultSweepInterval is how often expired entries are removed.
	DefaultSweepInterval = 60 * time.Second
)

// Direction says whether an entry was sent or received.
type Direction string

// Entry is one message in a peer conversation.
//
// Timestamp is the display time (embedded by the sender for received entries).
// RecordedAt is the local completion time and drives auto-delete expiry.
type Entry struct {
	ID         string
	Direction  Direction
	Text       string
	Timestamp  time.Time
	RecordedAt time.Time
	AutoDelete bool
	Priority   bool
}

// Removed identifies one entry dropped by a sweep.
type Removed struct {
	PeerID string
	Entry  Entry
}

// Store holds conversation entries keyed by peer ID, in local arrival order.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewStore returns an empty history store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]Entry)}
}

// Append adds an entry to the end of a peer's conversation and returns it with its ID set.
func (s *Store) Append(peerID string, entry Entry) (Entry, error) {
	if peerID == "" {
		return Entry{}, errors.New("peer_id is required")
	}
	if entry.Direction != DirectionSent && entry.Direction != DirectionReceived {
		return Entry{}, errors.New("direction must be sent or received")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = entry.RecordedAt
	}

	s.mu.Lock()
	s.entries[peerID] = append(s.entries[peerID], entry)
	s.mu.Unlock()

	return entry, nil
}

// Entries returns a copy of one peer's conversation.
func (s *Store) Entries(peerID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Entry(nil), s.entries[peerID]...)
}

// Peers returns the IDs of peers with at least one entry, sorted.
func (s *Store) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.entries))
	for peerID, entries := range s.entries {
		if len(entries) > 0 {
			out = append(out, peerID)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of entries across all peers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, entries := range s.entries {
		total += len(entries)
	}
	return total
}

// Clear drops every conversation.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string][]Entry)
	s.mu.Unlock()
}

// Sweep removes auto-delete entries older than window at now. Entries without
// AutoDelete are never removed.
func (s *Store) Sweep(now time.Time, window time.Duration) []Removed {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first, then rebuild the affected slices.
	expired := make(map[string]map[string]struct{})
	var removed []Removed
	for peerID, entries := range s.entries {
		for _, entry := range entries {
			if !entry.AutoDelete || now.Sub(entry.RecordedAt) <= window {
				continue
			}
			if expired[peerID] == nil {
				expired[peerID] = make(map[string]struct{})
			}
			expired[peerID][entry.ID] = struct{}{}
			removed = append(removed, Removed{PeerID: peerID, Entry: entry})
		}
	}

	for peerID, ids := range expired {
		kept := make([]Entry, 0, len(s.entries[peerID])-len(ids))
		for _, entry := range s.entries[peerID] {
			if _, drop := ids[entry.ID]; !drop {
				kept = append(kept, entry)
			}
		}
		s.entries[peerID] = kept
	}

	sort.SliceStable(removed, func(i, j int) bool {
		return removed[i].PeerID < removed[j].PeerID
	})
	return removed
}
