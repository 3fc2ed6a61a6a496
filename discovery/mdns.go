// Package discovery announces this device on the local network and watches
// for other gardensync devices via mDNS. Peers are keyed by truncated public
// key; full keys never travel over discovery.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_gardensync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseInterval is the background browse interval.
	DefaultBrowseInterval = 5 * time.Second
	// DefaultStaleAfter is how long a peer may go unseen before eviction.
	DefaultStaleAfter = 15 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS announcement and scanning behavior.
type Config struct {
	Service        string
	Domain         string
	Version        int
	BrowseInterval time.Duration
	StaleAfter     time.Duration
	ScanTimeout    time.Duration

	SelfTruncatedKey string
	DeviceName       string
	Port             int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfTruncatedKey) == "" {
		return errors.New("self truncated key is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// Announcer advertises local device presence via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the local device's mDNS record.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	port := cfg.Port
	if port <= 0 {
		// Zeroconf needs a port even though discovery carries no data channel.
		port = 1
	}

	txt := []string{
		"truncated_key=" + cfg.SelfTruncatedKey,
		"device_name=" + cfg.DeviceName,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service coordinates announcement and scanning.
type Service struct {
	Announcer *Announcer
	Scanner   *Scanner
}

// Start starts announcer and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	return &Service{
		Announcer: announcer,
		Scanner:   scanner,
	}, nil
}

// Stop stops scanner and announcer.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
