// Package node wires identity, peer directory, discovery, history and the
// HTTP transport into one running messaging node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"silentnet/config"
	"silentnet/crypto"
	"silentnet/discovery"
	"silentnet/history"
	"silentnet/metrics"
	"silentnet/models"
	"silentnet/network"
	"silentnet/peers"
	"silentnet/storage"
)

var (
	// ErrEmptyMessage rejects a send with no text.
	ErrEmptyMessage = errors.New("node: message is empty")
	// ErrMessageTooLong rejects a send over the configured character limit.
	ErrMessageTooLong = errors.New("node: message exceeds character limit")
	// ErrDeliveryFailed wraps the transport error of a rejected or failed send.
	ErrDeliveryFailed = errors.New("node: delivery failed")
)

const shutdownTimeout = 5 * time.Second

// Hooks are optional callbacks for display and storage collaborators.
type Hooks struct {
	OnMessage        func(peerID string, entry history.Entry)
	OnDecryptFailure func(senderID string, err error)
	OnPeersChanged   func([]peers.Record)
	OnAutoDeleted    func([]history.Removed)
}

// Options configures a Node. Config and Identity are required.
type Options struct {
	Config   *config.NodeConfig
	Identity *crypto.Identity
	Logger   zerolog.Logger

	// Store persists history when non-nil. The caller owns and closes it.
	Store *storage.Store
	// ListenAddress overrides ":<listening_port>".
	ListenAddress string
	// Prober overrides the HTTP client for connect, scan and monitor probes.
	Prober discovery.Prober
	// LocalAddress overrides discovery.LocalIPv4 for scans.
	LocalAddress func() (string, error)
	Now          func() time.Time
	Hooks        Hooks
}

// Stats summarizes node activity.
type Stats struct {
	UserID         string
	Fingerprint    string
	Uptime         time.Duration
	MessageCount   int64
	HistoryEntries int
	PeersKnown     int
	PeersOnline    int
}

// Node is one running messaging endpoint.
type Node struct {
	cfg      *config.NodeConfig
	identity *crypto.Identity
	log      zerolog.Logger
	now      func() time.Time
	hooks    Hooks

	directory *peers.Directory
	history   *history.Store
	store     *storage.Store
	client    *network.Client
	prober    discovery.Prober
	localAddr func() (string, error)
	server    *network.Server
	monitor   *discovery.Monitor
	sweeper   *history.Sweeper
	lan       *discovery.LAN

	listenAddress string
	startedAt     time.Time
	messageCount  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a node. Call Start to begin serving.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.Identity == nil || options.Identity.PrivateKey == nil {
		return nil, errors.New("identity is required")
	}
	if options.Config.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if config.NormalizeCallsign(options.Config.UserID) != options.Config.UserID {
		return nil, fmt.Errorf("user_id %q is not a normalized callsign", options.Config.UserID)
	}

	n := &Node{
		cfg:       options.Config,
		identity:  options.Identity,
		log:       options.Logger.With().Str("component", "node").Logger(),
		now:       options.Now,
		hooks:     options.Hooks,
		directory: peers.NewDirectory(),
		history:   history.NewStore(),
		store:     options.Store,
		prober:    options.Prober,
		localAddr: options.LocalAddress,
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.localAddr == nil {
		n.localAddr = discovery.LocalIPv4
	}

	n.client = network.NewClient(n.cfg.ListeningPort, n.cfg.RequestTimeout())
	if n.prober == nil {
		n.prober = n.client
	}

	n.listenAddress = options.ListenAddress
	if n.listenAddress == "" {
		n.listenAddress = ":" + strconv.Itoa(n.cfg.ListeningPort)
	}

	n.server = network.NewServer(network.ServerOptions{
		Info:       n.Info,
		OnEnvelope: n.HandleEnvelope,
		Logger:     options.Logger.With().Str("component", "http").Logger(),
	})

	n.monitor = discovery.NewMonitor(n.directory, n.prober, discovery.MonitorConfig{
		Interval:     n.cfg.MonitorInterval(),
		ProbeTimeout: n.cfg.MonitorProbeTimeout(),
		Now:          n.now,
		Logger:       options.Logger.With().Str("component", "monitor").Logger(),
		OnTick:       n.notifyPeersChanged,
	})

	return n, nil
}

// Start binds the HTTP listener and launches background tasks.
func (n *Node) Start(ctx context.Context) error {
	n.startOnce.Do(func() {
		if err := n.server.Listen(n.listenAddress); err != nil {
			n.startErr = err
			return
		}
		n.startedAt = n.now()

		runCtx, cancel := context.WithCancel(ctx)
		n.cancel = cancel

		n.monitor.Start()
		n.sweeper = history.StartSweeper(n.history, history.SweeperConfig{
			Interval:  n.cfg.SweepInterval(),
			Window:    n.cfg.AutoDeleteAfter(),
			Now:       n.now,
			OnRemoved: n.handleAutoDeleted,
		})

		if n.cfg.MDNSEnabled {
			lan, err := discovery.StartLAN(discovery.AnnounceConfig{
				UserID:  n.cfg.UserID,
				Port:    n.Port(),
				Version: network.ProtocolVersion,
				KeyHash: n.identity.Fingerprint,
			})
			if err != nil {
				n.log.Warn().Err(err).Msg("LAN announce unavailable; subnet scan still works")
			} else {
				n.lan = lan
			}
		}

		n.wg.Add(1)
		go n.watchDirectory(runCtx)

		n.log.Info().
			Str("user_id", n.cfg.UserID).
			Str("fingerprint", crypto.FormatFingerprint(n.identity.Fingerprint)).
			Str("addr", n.server.Addr().String()).
			Msg("node started")
	})
	return n.startErr
}

// Stop shuts down background tasks and the HTTP server.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			return
		}
		n.cancel()

		n.lan.Stop()
		n.monitor.Stop()
		n.sweeper.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.server.Close(ctx); err != nil {
			n.log.Warn().Err(err).Msg("http shutdown")
		}

		n.wg.Wait()
		n.log.Info().Msg("node stopped")
	})
}

// Addr returns the bound listener address, or nil before Start.
func (n *Node) Addr() net.Addr {
	return n.server.Addr()
}

// Port returns the bound port, falling back to the configured one.
func (n *Node) Port() int {
	if tcp, ok := n.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return n.cfg.ListeningPort
}

// UserID returns the operator callsign.
func (n *Node) UserID() string {
	return n.cfg.UserID
}

// Fingerprint returns the identity key hash.
func (n *Node) Fingerprint() string {
	return n.identity.Fingerprint
}

// Info is the identity document served on GET /info.
func (n *Node) Info() models.Info {
	return models.Info{
		UserID:       n.cfg.UserID,
		PublicKey:    string(n.identity.PublicKeyPEM),
		Version:      network.ProtocolVersion,
		Capabilities: append([]string(nil), network.Capabilities...),
	}
}

// Connect fetches a peer's identity and adds it to the directory.
func (n *Node) Connect(ctx context.Context, address string) (peers.Record, error) {
	record, err := discovery.Connect(ctx, n.prober, address, n.now())
	if err != nil {
		var mismatch *network.ProtocolMismatchError
		if errors.As(err, &mismatch) {
			n.recordSecurityEvent(storage.EventProtocolMismatch, "", storage.SecuritySeverityInfo, map[string]string{
				"address": address,
				"reason":  mismatch.Reason,
			})
		}
		n.log.Warn().Err(err).Str("address", address).Msg("connect failed")
		return peers.Record{}, err
	}

	if previous, err := n.directory.Get(record.PeerID); err == nil && previous.Fingerprint != record.Fingerprint {
		n.log.Warn().
			Str("peer_id", record.PeerID).
			Str("old_fingerprint", previous.Fingerprint).
			Str("new_fingerprint", record.Fingerprint).
			Msg("peer presented a different public key")
		n.recordSecurityEvent(storage.EventPeerKeyChanged, record.PeerID, storage.SecuritySeverityCritical, map[string]string{
			"old_fingerprint": previous.Fingerprint,
			"new_fingerprint": record.Fingerprint,
			"address":         record.Address,
		})
	}

	if err := n.directory.Upsert(record); err != nil {
		return peers.Record{}, err
	}
	n.updatePeerGauges()
	n.notifyPeersChanged(n.directory.List())

	n.log.Info().
		Str("peer_id", record.PeerID).
		Str("address", record.Address).
		Str("fingerprint", crypto.FormatFingerprint(record.Fingerprint)).
		Msg("peer connected")
	return record, nil
}

// Scan probes the local /24 for other nodes. Results are not added to the
// directory; the operator connects to the ones they want.
func (n *Node) Scan(ctx context.Context) ([]discovery.Found, error) {
	local, err := n.localAddr()
	if err != nil {
		return nil, fmt.Errorf("determine local address: %w", err)
	}

	n.log.Info().Str("local_address", local).Msg("scanning subnet")
	found, err := discovery.Scan(ctx, n.prober, local, discovery.ScanOptions{
		ProbeTimeout: n.cfg.ScanProbeTimeout(),
		Concurrency:  n.cfg.ScanConcurrency,
	})
	n.log.Info().Int("found", len(found)).Msg("scan complete")
	return found, err
}

// Send encrypts text for peerID and delivers it. The history entry is
// recorded only after the peer acknowledges.
func (n *Node) Send(ctx context.Context, peerID, text string, options network.SendOptions) (history.Entry, error) {
	if text == "" {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return history.Entry{}, ErrEmptyMessage
	}
	if limit := n.cfg.CharLimit; limit > 0 && utf8.RuneCountInString(text) > limit {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return history.Entry{}, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, utf8.RuneCountInString(text), limit)
	}

	record, err := n.directory.Get(peerID)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return history.Entry{}, err
	}

	sentAt := n.now()
	envelope, err := network.Seal(record.PublicKey, n.cfg.UserID, text, options, sentAt)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return history.Entry{}, err
	}

	if err := n.client.Deliver(ctx, record.Address, envelope); err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		n.log.Warn().Err(err).Str("peer_id", peerID).Msg("message delivery failed")
		return history.Entry{}, fmt.Errorf("%w to %s: %w", ErrDeliveryFailed, peerID, err)
	}
	metrics.MessagesSent.WithLabelValues("delivered").Inc()

	entry, err := n.history.Append(peerID, history.Entry{
		Direction:  history.DirectionSent,
		Text:       text,
		Timestamp:  sentAt,
		RecordedAt: n.now(),
		AutoDelete: options.AutoDelete,
		Priority:   options.Priority,
	})
	if err != nil {
		return history.Entry{}, err
	}
	n.messageCount.Add(1)
	n.persist(entry, n.cfg.UserID, peerID)

	n.log.Debug().Str("peer_id", peerID).Bool("priority", options.Priority).Msg("message delivered")
	return entry, nil
}

// HandleEnvelope opens an inbound envelope. Failures are reported through
// logs, metrics and OnDecryptFailure; they never propagate to the listener.
func (n *Node) HandleEnvelope(envelope models.MessageEnvelope) {
	received, err := network.Open(n.identity.PrivateKey, envelope, n.now())
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("decrypt_failed").Inc()
		n.log.Warn().Err(err).Str("sender_id", envelope.SenderID).Msg("inbound message could not be decrypted")
		n.recordSecurityEvent(storage.EventDecryptionFailed, envelope.SenderID, storage.SecuritySeverityWarning, map[string]string{
			"error": err.Error(),
		})
		if n.hooks.OnDecryptFailure != nil {
			n.hooks.OnDecryptFailure(envelope.SenderID, err)
		}
		return
	}

	entry, err := n.history.Append(received.SenderID, history.Entry{
		Direction:  history.DirectionReceived,
		Text:       received.Text,
		Timestamp:  received.Timestamp,
		RecordedAt: n.now(),
		AutoDelete: received.AutoDelete,
		Priority:   received.Priority,
	})
	if err != nil {
		n.log.Error().Err(err).Str("sender_id", received.SenderID).Msg("record inbound message")
		return
	}
	metrics.MessagesReceived.WithLabelValues("ok").Inc()
	n.messageCount.Add(1)
	n.persist(entry, received.SenderID, n.cfg.UserID)

	event := n.log.Info()
	if received.Priority {
		event = n.log.Warn()
	}
	event.Str("sender_id", received.SenderID).Bool("priority", received.Priority).Msg("message received")

	if n.hooks.OnMessage != nil {
		n.hooks.OnMessage(received.SenderID, entry)
	}
}

// History returns the in-memory conversation with peerID in arrival order.
func (n *Node) History(peerID string) []history.Entry {
	return n.history.Entries(peerID)
}

// Conversations returns the peer IDs with in-memory history.
func (n *Node) Conversations() []string {
	return n.history.Peers()
}

// StoredHistory returns persisted messages with peerID, newest first.
func (n *Node) StoredHistory(peerID string, limit int) ([]storage.Message, error) {
	if n.store == nil {
		return nil, errors.New("history persistence is disabled")
	}
	return n.store.GetMessages(peerID, limit)
}

// SecurityEvents returns recent persisted security events.
func (n *Node) SecurityEvents(limit int) ([]storage.SecurityEvent, error) {
	if n.store == nil {
		return nil, errors.New("history persistence is disabled")
	}
	return n.store.GetSecurityEvents(storage.SecurityEventFilter{Limit: limit})
}

// ClearHistory drops every conversation from memory and the message log.
func (n *Node) ClearHistory() error {
	n.history.Clear()
	if n.store == nil {
		return nil
	}
	if _, err := n.store.DeleteAllMessages(); err != nil {
		return err
	}
	n.log.Info().Msg("history cleared")
	return nil
}

// Peers returns the directory sorted by peer ID.
func (n *Node) Peers() []peers.Record {
	return n.directory.List()
}

// Nearby returns nodes announcing themselves over mDNS.
func (n *Node) Nearby() []discovery.NearbyNode {
	return n.lan.Nearby()
}

// Stats summarizes activity since Start.
func (n *Node) Stats() Stats {
	var uptime time.Duration
	if !n.startedAt.IsZero() {
		uptime = n.now().Sub(n.startedAt)
	}
	return Stats{
		UserID:         n.cfg.UserID,
		Fingerprint:    n.identity.Fingerprint,
		Uptime:         uptime,
		MessageCount:   n.messageCount.Load(),
		HistoryEntries: n.history.Len(),
		PeersKnown:     n.directory.Len(),
		PeersOnline:    n.directory.CountOnline(),
	}
}

func (n *Node) handleAutoDeleted(removed []history.Removed) {
	metrics.HistoryAutoDeleted.Add(float64(len(removed)))

	if n.store != nil {
		ids := make([]string, 0, len(removed))
		for _, r := range removed {
			ids = append(ids, r.Entry.ID)
		}
		if _, err := n.store.DeleteMessages(ids...); err != nil {
			n.log.Error().Err(err).Msg("delete auto-deleted messages")
		}
	}

	n.log.Debug().Int("count", len(removed)).Msg("auto-deleted history entries")
	if n.hooks.OnAutoDeleted != nil {
		n.hooks.OnAutoDeleted(removed)
	}
}

func (n *Node) persist(entry history.Entry, sender, recipient string) {
	if n.store == nil {
		return
	}
	err := n.store.SaveMessage(storage.Message{
		ID:         entry.ID,
		Sender:     sender,
		Recipient:  recipient,
		Text:       entry.Text,
		Direction:  string(entry.Direction),
		Priority:   entry.Priority,
		AutoDelete: entry.AutoDelete,
		Timestamp:  entry.Timestamp,
		RecordedAt: entry.RecordedAt,
	})
	if err != nil {
		n.log.Error().Err(err).Str("message_id", entry.ID).Msg("persist message")
	}
}

func (n *Node) recordSecurityEvent(eventType, peerID, severity string, details map[string]string) {
	if n.store == nil {
		return
	}
	if err := n.store.RecordSecurityEvent(eventType, peerID, severity, details, n.now()); err != nil {
		n.log.Error().Err(err).Str("event_type", eventType).Msg("record security event")
	}
}

func (n *Node) watchDirectory(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case event := <-n.directory.Events():
			if event.Type != peers.EventPeerStatusChanged {
				continue
			}
			n.log.Info().
				Str("peer_id", event.Peer.PeerID).
				Str("status", string(event.Peer.Status)).
				Msg("peer status changed")
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) updatePeerGauges() {
	metrics.PeersKnown.Set(float64(n.directory.Len()))
	metrics.PeersOnline.Set(float64(n.directory.CountOnline()))
}

func (n *Node) notifyPeersChanged(records []peers.Record) {
	if n.hooks.OnPeersChanged != nil {
		n.hooks.OnPeersChanged(records)
	}
}
