package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"silentnet/metrics"
	"silentnet/peers"
)

const (
	// DefaultMonitorInterval is the liveness polling period.
	DefaultMonitorInterval = 30 * time.Second
	// DefaultMonitorProbeTimeout bounds each liveness probe.
	DefaultMonitorProbeTimeout = time.Second
	// DefaultMonitorConcurrency caps in-flight liveness probes per tick.
	DefaultMonitorConcurrency = 32
)

// MonitorConfig controls the liveness monitor.
type MonitorConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
	Now          func() time.Time
	Logger       zerolog.Logger
	// OnTick runs after every completed tick with the refreshed peer list.
	OnTick func([]peers.Record)
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultMonitorInterval
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultMonitorProbeTimeout
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultMonitorConcurrency
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Monitor periodically probes every directory entry and records liveness.
// It never removes peers.
type Monitor struct {
	cfg       MonitorConfig
	prober    Prober
	directory *peers.Directory

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor with config defaults applied.
func NewMonitor(directory *peers.Directory, prober Prober, config MonitorConfig) *Monitor {
	return &Monitor{
		cfg:       config.withDefaults(),
		prober:    prober,
		directory: directory,
	}
}

// Start begins background polling.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(context.Background())
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop cancels polling and waits for the current tick to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// Tick probes every known peer once and updates its status.
func (m *Monitor) Tick(ctx context.Context) {
	records := m.directory.List()

	var group errgroup.Group
	group.SetLimit(m.cfg.Concurrency)

	for _, record := range records {
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()

			_, err := m.prober.FetchInfo(probeCtx, record.Address)
			if ctx.Err() != nil {
				// Shutting down; a cancelled probe says nothing about the peer.
				return nil
			}
			ok := err == nil
			metrics.Probes.WithLabelValues("monitor", metrics.ProbeResult(err)).Inc()

			if !m.directory.MarkProbe(record.PeerID, ok, m.cfg.Now()) {
				return nil
			}
			m.cfg.Logger.Debug().
				Str("peer_id", record.PeerID).
				Str("address", record.Address).
				Bool("online", ok).
				Err(err).
				Msg("liveness probe")
			return nil
		})
	}
	_ = group.Wait()

	metrics.PeersKnown.Set(float64(m.directory.Len()))
	metrics.PeersOnline.Set(float64(m.directory.CountOnline()))

	if m.cfg.OnTick != nil {
		m.cfg.OnTick(m.directory.List())
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}
