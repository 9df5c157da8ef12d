// Package peers holds the in-memory directory of known remote nodes.
package peers

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// StatusOnline marks a peer that answered its most recent probe or connect.
	StatusOnline Status = "online"
	// StatusOffline marks a peer whose most recent probe failed.
	StatusOffline Status = "offline"

	// EventPeerUpserted is emitted when a record is inserted or replaced.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerStatusChanged is emitted when a probe flips a peer's status.
	EventPeerStatusChanged EventType = "peer_status_changed"

	defaultEventBuffer = 128
)

// ErrUnknownPeer indicates the requested peer ID is not in the directory.
var ErrUnknownPeer = errors.New("peers: unknown peer")

// Status is a peer liveness state.
type Status string

// EventType identifies directory updates.
type EventType string

// Event carries directory updates for display consumers.
type Event struct {
	Type EventType
	Peer Record
}

// Record is the connection and liveness state of one remote node.
type Record struct {
	PeerID       string
	Address      string
	PublicKey    *rsa.PublicKey
	PublicKeyPEM string
	Fingerprint  string
	Version      string
	Capabilities []string
	Status       Status
	LastSeen     time.Time
}

// Online reports whether the peer answered its most recent probe.
func (r Record) Online() bool {
	return r.Status == StatusOnline
}

// Directory maps peer IDs to records. It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	records map[string]Record

	events chan Event
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		records: make(map[string]Record),
		events:  make(chan Event, defaultEventBuffer),
	}
}

// Events provides asynchronous directory updates. Slow readers miss events.
func (d *Directory) Events() <-chan Event {
	return d.events
}

// Upsert inserts or replaces the record for record.PeerID.
func (d *Directory) Upsert(record Record) error {
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.Address == "" {
		return errors.New("address is required")
	}
	if record.Status == "" {
		record.Status = StatusOnline
	}

	d.mu.Lock()
	d.records[record.PeerID] = record
	d.mu.Unlock()

	d.emitEvent(Event{Type: EventPeerUpserted, Peer: record})
	return nil
}

// Get returns the record for peerID or an error wrapping ErrUnknownPeer.
func (d *Directory) Get(peerID string) (Record, error) {
	d.mu.RLock()
	record, ok := d.records[peerID]
	d.mu.RUnlock()

	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	return record, nil
}

// MarkProbe records one liveness probe outcome. LastSeen moves only on success.
// It returns false when the peer is no longer in the directory.
func (d *Directory) MarkProbe(peerID string, ok bool, at time.Time) bool {
	d.mu.Lock()
	record, exists := d.records[peerID]
	if !exists {
		d.mu.Unlock()
		return false
	}

	previous := record.Status
	if ok {
		record.Status = StatusOnline
		record.LastSeen = at
	} else {
		record.Status = StatusOffline
	}
	d.records[peerID] = record
	d.mu.Unlock()

	if previous != record.Status {
		d.emitEvent(Event{Type: EventPeerStatusChanged, Peer: record})
	}
	return true
}

// List returns a snapshot of all records sorted by peer ID.
func (d *Directory) List() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Record, 0, len(d.records))
	for _, record := range d.records {
		out = append(out, record)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// CountOnline returns the number of peers currently marked online.
func (d *Directory) CountOnline() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	online := 0
	for _, record := range d.records {
		if record.Online() {
			online++
		}
	}
	return online
}

func (d *Directory) emitEvent(event Event) {
	select {
	case d.events <- event:
	default:
	}
}
