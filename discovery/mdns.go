package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_silentnet._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultBrowseInterval is the background nearby-node refresh interval.
	DefaultBrowseInterval = 15 * time.Second
	// DefaultBrowseTimeout bounds each browse window.
	DefaultBrowseTimeout = 3 * time.Second

	txtUserID  = "user_id"
	txtVersion = "version"
	txtKeyHash = "key_hash"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// AnnounceConfig controls LAN announcement and browsing of nodes.
type AnnounceConfig struct {
	Service        string
	Domain         string
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration

	UserID  string
	Port    int
	Version string
	KeyHash string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c AnnounceConfig) withDefaults() AnnounceConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c AnnounceConfig) validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user ID is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c AnnounceConfig) txt() []string {
	return []string{
		txtUserID + "=" + c.UserID,
		txtVersion + "=" + c.Version,
		txtKeyHash + "=" + c.KeyHash,
	}
}

// Announcer advertises this node on the LAN via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the node's service record. The callsign is the
// instance name.
func StartAnnouncer(config AnnounceConfig) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.UserID, cfg.Service, cfg.Domain, cfg.Port, cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// LAN bundles the announcer and the nearby-node browser.
type LAN struct {
	Announcer *Announcer
	Browser   *NearbyBrowser
}

// StartLAN announces this node and starts browsing for others.
func StartLAN(config AnnounceConfig) (*LAN, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	browser, err := NewNearbyBrowser(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	browser.Start()

	return &LAN{Announcer: announcer, Browser: browser}, nil
}

// Nearby returns the current browse snapshot, or nil when l is nil.
func (l *LAN) Nearby() []NearbyNode {
	if l == nil || l.Browser == nil {
		return nil
	}
	return l.Browser.List()
}

// Stop stops browsing and withdraws the announcement.
func (l *LAN) Stop() {
	if l == nil {
		return
	}
	if l.Browser != nil {
		l.Browser.Stop()
	}
	if l.Announcer != nil {
		l.Announcer.Stop()
	}
}
