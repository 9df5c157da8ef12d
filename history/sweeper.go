package history

import (
	"sync"
	"time"
)

// SweeperConfig controls the auto-delete background loop.
type SweeperConfig struct {
	Interval  time.Duration
	Window    time.Duration
	Now       func() time.Time
	OnRemoved func([]Removed)
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultSweepInterval
	}
	if out.Window <= 0 {
		out.Window = DefaultAutoDeleteAfter
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Sweeper periodically removes expired auto-delete entries from a Store.
type Sweeper struct {
	store *Store
	cfg   SweeperConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartSweeper launches the sweep loop. Call Stop at shutdown.
func StartSweeper(store *Store, config SweeperConfig) *Sweeper {
	s := &Sweeper{
		store: store,
		cfg:   config.withDefaults(),
		stop:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()
	return s
}

// SweepNow runs one sweep cycle immediately and returns what it removed.
func (s *Sweeper) SweepNow() []Removed {
	removed := s.store.Sweep(s.cfg.Now(), s.cfg.Window)
	if len(removed) > 0 && s.cfg.OnRemoved != nil {
		s.cfg.OnRemoved(removed)
	}
	return removed
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepNow()
		case <-s.stop:
			return
		}
	}
}
