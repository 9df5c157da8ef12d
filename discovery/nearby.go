package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrBrowserStopped is returned by Refresh after Stop.
var ErrBrowserStopped = errors.New("discovery: nearby browser is stopped")

// NearbyNode is a node announcing itself on the LAN. It is not a directory
// entry until the operator connects to it.
type NearbyNode struct {
	UserID    string
	Version   string
	KeyHash   string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// Address returns host:port for the first announced address, preferring IPv4.
func (n NearbyNode) Address() string {
	if len(n.Addresses) == 0 {
		return ""
	}
	return net.JoinHostPort(n.Addresses[0], strconv.Itoa(n.Port))
}

// NearbyBrowser periodically browses mDNS for other nodes.
type NearbyBrowser struct {
	cfg    AnnounceConfig
	browse browseFunc

	mu    sync.RWMutex
	nodes map[string]NearbyNode

	startOnce sync.Once
	stopOnce  sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	refresh chan chan error
}

// NewNearbyBrowser creates a browser with config defaults applied.
func NewNearbyBrowser(config AnnounceConfig) (*NearbyBrowser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NearbyBrowser{
		cfg:     cfg,
		browse:  browse,
		nodes:   make(map[string]NearbyNode),
		ctx:     ctx,
		cancel:  cancel,
		refresh: make(chan chan error),
	}, nil
}

// Start begins background browsing.
func (b *NearbyBrowser) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop ends browsing.
func (b *NearbyBrowser) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

// Refresh runs one browse window now and waits for it.
func (b *NearbyBrowser) Refresh(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case b.refresh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBrowserStopped
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBrowserStopped
	}
}

// List returns nearby nodes sorted by user ID.
func (b *NearbyBrowser) List() []NearbyNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]NearbyNode, 0, len(b.nodes))
	for _, node := range b.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (b *NearbyBrowser) loop() {
	defer b.wg.Done()

	_ = b.browseOnce()

	ticker := time.NewTicker(b.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.browseOnce()
		case done := <-b.refresh:
			done <- b.browseOnce()
		case <-b.ctx.Done():
			return
		}
	}
}

// browseOnce collects entries for one window and replaces the snapshot.
func (b *NearbyBrowser) browseOnce() error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]NearbyNode)
	collectorDone := make(chan struct{})

	var in <-chan *zeroconf.ServiceEntry = entries
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes the channel when its window ends.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				node, ok := parseNearby(entry, b.cfg.UserID)
				if !ok {
					continue
				}
				node.LastSeen = time.Now()
				collected[node.UserID] = node
			}
		}
	}()

	if err := b.browse(ctx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-ctx.Done()
	<-collectorDone

	if b.ctx.Err() != nil {
		return ErrBrowserStopped
	}

	b.mu.Lock()
	b.nodes = collected
	b.mu.Unlock()
	return nil
}

func parseNearby(entry *zeroconf.ServiceEntry, selfUserID string) (NearbyNode, bool) {
	txt := txtToMap(entry.Text)

	userID := txt[txtUserID]
	if userID == "" || userID == selfUserID {
		return NearbyNode{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
	}

	return NearbyNode{
		UserID:    userID,
		Version:   txt[txtVersion],
		KeyHash:   txt[txtKeyHash],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
