package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"silentnet/crypto"
	"silentnet/models"
	"silentnet/network"
	"silentnet/peers"
)

var (
	testIdentityOnce sync.Once
	testIdentity     *crypto.Identity
	testIdentityErr  error
)

func sharedIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	testIdentityOnce.Do(func() {
		testIdentity, testIdentityErr = crypto.GenerateIdentity(crypto.MinKeyBits)
	})
	if testIdentityErr != nil {
		t.Fatalf("GenerateIdentity failed: %v", testIdentityErr)
	}
	return testIdentity
}

// fakeProber answers FetchInfo from a table; unknown addresses are unreachable.
type fakeProber struct {
	mu      sync.Mutex
	answers map[string]models.Info
	calls   atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{answers: make(map[string]models.Info)}
}

func (p *fakeProber) set(address string, info models.Info) {
	p.mu.Lock()
	p.answers[address] = info
	p.mu.Unlock()
}

func (p *fakeProber) drop(address string) {
	p.mu.Lock()
	delete(p.answers, address)
	p.mu.Unlock()
}

func (p *fakeProber) FetchInfo(ctx context.Context, address string) (models.Info, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return models.Info{}, &network.PeerUnreachableError{Address: address, Op: "info", Err: err}
	}

	p.mu.Lock()
	info, ok := p.answers[address]
	p.mu.Unlock()
	if !ok {
		return models.Info{}, &network.PeerUnreachableError{Address: address, Op: "info", Err: errors.New("connection refused")}
	}
	return info, nil
}

func infoFor(t *testing.T, userID string) models.Info {
	t.Helper()
	return models.Info{
		UserID:       userID,
		PublicKey:    string(sharedIdentity(t).PublicKeyPEM),
		Version:      network.ProtocolVersion,
		Capabilities: network.Capabilities,
	}
}

func TestConnectBuildsOnlineRecord(t *testing.T) {
	prober := newFakeProber()
	prober.set("10.0.0.7", infoFor(t, "BRAVO-6"))
	now := time.Unix(1_700_000_000, 0)

	record, err := Connect(context.Background(), prober, " 10.0.0.7 ", now)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if record.PeerID != "BRAVO-6" || record.Address != "10.0.0.7" {
		t.Fatalf("unexpected record identity: %+v", record)
	}
	if !record.Online() || !record.LastSeen.Equal(now) {
		t.Fatalf("expected online record seen at now, got %+v", record)
	}
	if record.PublicKey == nil || record.Fingerprint != sharedIdentity(t).Fingerprint {
		t.Fatalf("expected parsed key and matching fingerprint")
	}
	if record.Version != "2.0" || len(record.Capabilities) != 3 {
		t.Fatalf("unexpected version/capabilities: %q %v", record.Version, record.Capabilities)
	}
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), newFakeProber(), "10.0.0.99", time.Now())
	var unreachable *network.PeerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected PeerUnreachableError, got %v", err)
	}
}

func TestConnectRejectsUnusableIdentity(t *testing.T) {
	prober := newFakeProber()
	prober.set("10.0.0.8", models.Info{UserID: "BROKEN", PublicKey: "not a pem"})
	prober.set("10.0.0.9", models.Info{UserID: "  ", PublicKey: string(sharedIdentity(t).PublicKeyPEM)})

	_, err := Connect(context.Background(), prober, "10.0.0.8", time.Now())
	var mismatch *network.ProtocolMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ProtocolMismatchError for bad key, got %v", err)
	}
	if !errors.Is(err, crypto.ErrKeyFormat) {
		t.Fatalf("expected wrapped ErrKeyFormat, got %v", err)
	}

	if _, err := Connect(context.Background(), prober, "10.0.0.9", time.Now()); !errors.As(err, &mismatch) {
		t.Fatalf("expected ProtocolMismatchError for blank user_id, got %v", err)
	}
}

func TestScanReturnsExactlyReachablePeers(t *testing.T) {
	prober := newFakeProber()
	reachable := map[string]string{
		"192.168.1.3":   "CHARLIE-3",
		"192.168.1.20":  "DELTA-20",
		"192.168.1.200": "ECHO-200",
	}
	for address, id := range reachable {
		prober.set(address, models.Info{UserID: id})
	}
	// Answers from self must be skipped.
	prober.set("192.168.1.10", models.Info{UserID: "SELF"})

	found, err := Scan(context.Background(), prober, "192.168.1.10", ScanOptions{ProbeTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if got := prober.calls.Load(); got != 253 {
		t.Fatalf("expected 253 probes, got %d", got)
	}
	if len(found) != len(reachable) {
		t.Fatalf("expected %d peers, got %+v", len(reachable), found)
	}
	wantOrder := []string{"192.168.1.3", "192.168.1.20", "192.168.1.200"}
	for i, f := range found {
		if f.Address != wantOrder[i] || f.PeerID != reachable[f.Address] {
			t.Fatalf("unexpected result %d: %+v", i, f)
		}
	}
}

func TestScanRejectsUnparseableLocalAddress(t *testing.T) {
	for _, local := range []string{"", "not-an-ip", "fe80::1"} {
		if _, err := Scan(context.Background(), newFakeProber(), local, ScanOptions{}); err == nil {
			t.Fatalf("expected error for local address %q", local)
		}
	}
}

func TestScanAcceptsHostPort(t *testing.T) {
	prober := newFakeProber()
	prober.set("10.1.2.1", models.Info{UserID: "GATEWAY"})

	found, err := Scan(context.Background(), prober, "10.1.2.50:8000", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(found) != 1 || found[0].PeerID != "GATEWAY" {
		t.Fatalf("unexpected scan result: %+v", found)
	}
}

func TestMonitorTickLivenessTransitions(t *testing.T) {
	prober := newFakeProber()
	directory := peers.NewDirectory()

	start := time.Unix(1_700_000_000, 0)
	var clock atomic.Int64
	clock.Store(start.UnixNano())

	prober.set("10.0.0.5", infoFor(t, "FOXTROT-5"))
	record, err := Connect(context.Background(), prober, "10.0.0.5", start)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := directory.Upsert(record); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var ticks atomic.Int32
	monitor := NewMonitor(directory, prober, MonitorConfig{
		Now:    func() time.Time { return time.Unix(0, clock.Load()) },
		OnTick: func([]peers.Record) { ticks.Add(1) },
	})

	// Probe fails: offline, last_seen unchanged.
	prober.drop("10.0.0.5")
	clock.Store(start.Add(30 * time.Second).UnixNano())
	monitor.Tick(context.Background())

	got, err := directory.Get("FOXTROT-5")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Online() {
		t.Fatalf("expected offline after failed probe")
	}
	if !got.LastSeen.Equal(start) {
		t.Fatalf("last_seen moved on failure: %v", got.LastSeen)
	}

	// Probe succeeds again: online, last_seen advanced.
	prober.set("10.0.0.5", infoFor(t, "FOXTROT-5"))
	clock.Store(start.Add(60 * time.Second).UnixNano())
	monitor.Tick(context.Background())

	got, _ = directory.Get("FOXTROT-5")
	if !got.Online() {
		t.Fatalf("expected online after successful probe")
	}
	if !got.LastSeen.Equal(start.Add(60 * time.Second)) {
		t.Fatalf("expected last_seen to advance, got %v", got.LastSeen)
	}

	if ticks.Load() != 2 {
		t.Fatalf("expected OnTick twice, got %d", ticks.Load())
	}
	if directory.Len() != 1 {
		t.Fatalf("monitor must never remove peers")
	}
}

func TestMonitorCancelledTickLeavesStatus(t *testing.T) {
	prober := newFakeProber()
	directory := peers.NewDirectory()
	if err := directory.Upsert(peers.Record{PeerID: "GOLF-7", Address: "10.0.0.7", Status: peers.StatusOnline}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewMonitor(directory, prober, MonitorConfig{}).Tick(ctx)

	got, _ := directory.Get("GOLF-7")
	if !got.Online() {
		t.Fatalf("expected status untouched by a cancelled tick")
	}
}

func TestMonitorBackgroundLoop(t *testing.T) {
	prober := newFakeProber()
	directory := peers.NewDirectory()
	if err := directory.Upsert(peers.Record{PeerID: "HOTEL-8", Address: "10.0.0.8", Status: peers.StatusOnline}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	monitor := NewMonitor(directory, prober, MonitorConfig{Interval: 10 * time.Millisecond})
	monitor.Start()
	defer monitor.Stop()

	waitForCondition(t, time.Second, func() bool {
		got, err := directory.Get("HOTEL-8")
		return err == nil && !got.Online()
	})

	monitor.Stop()
	monitor.Stop()
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
