package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"silentnet/metrics"
)

const (
	// DefaultScanProbeTimeout bounds each host probe during a subnet scan.
	DefaultScanProbeTimeout = 500 * time.Millisecond
	// DefaultScanConcurrency caps in-flight scan probes.
	DefaultScanConcurrency = 64
)

// ScanOptions tunes a subnet scan.
type ScanOptions struct {
	ProbeTimeout time.Duration
	Concurrency  int
}

func (o ScanOptions) withDefaults() ScanOptions {
	out := o
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultScanProbeTimeout
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultScanConcurrency
	}
	return out
}

// Found is a host that answered the identity probe during a scan.
type Found struct {
	Address string
	PeerID  string
}

// Scan probes every other host in the /24 containing localAddress and returns
// the hosts that answered, ordered by host number. Individual probe failures
// are discarded. Only an unparseable localAddress fails the scan; a cancelled
// ctx returns what was found so far together with ctx.Err().
func Scan(ctx context.Context, prober Prober, localAddress string, options ScanOptions) ([]Found, error) {
	opts := options.withDefaults()

	hosts, err := subnetHosts(localAddress)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		found = make(map[int]Found, 8)
	)

	var group errgroup.Group
	group.SetLimit(opts.Concurrency)

	for octet, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
			defer cancel()

			info, err := prober.FetchInfo(probeCtx, host)
			metrics.Probes.WithLabelValues("scan", metrics.ProbeResult(err)).Inc()
			if err != nil || strings.TrimSpace(info.UserID) == "" {
				return nil
			}

			mu.Lock()
			found[octet] = Found{Address: host, PeerID: info.UserID}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	octets := make([]int, 0, len(found))
	for octet := range found {
		octets = append(octets, octet)
	}
	sort.Ints(octets)

	out := make([]Found, 0, len(octets))
	for _, octet := range octets {
		out = append(out, found[octet])
	}
	return out, ctx.Err()
}

// subnetHosts maps host number to address for x.y.z.1..254, excluding self.
func subnetHosts(localAddress string) (map[int]string, error) {
	host := strings.TrimSpace(localAddress)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("local address %q is not an IPv4 address", localAddress)
	}

	hosts := make(map[int]string, 253)
	for octet := 1; octet <= 254; octet++ {
		if octet == int(ip[3]) {
			continue
		}
		hosts[octet] = net.IPv4(ip[0], ip[1], ip[2], byte(octet)).String()
	}
	return hosts, nil
}
