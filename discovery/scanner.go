package discovery

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventPeerDiscovered is emitted exactly once when a peer appears.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerLost is emitted exactly once when a peer goes stale.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for sync consumers.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a device seen on the local network. TruncatedKey is a lookup hint
// into the paired registry, never an authorization credential.
type Peer struct {
	TruncatedKey string
	DeviceName   string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// Scanner browses for peers periodically and evicts entries that stop
// announcing.
type Scanner struct {
	cfg    Config
	logger *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		logger: cfg.Logger,
		browse: browse,
		peers:  make(map[string]Peer),
		events: make(chan Event, 128),
	}, nil
}

// Start begins background browsing and staleness sweeps.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop is terminal: the loop exits and the events channel closes. No events
// are delivered after Stop returns.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// ListPeers returns the current discovered peers ordered by device name.
func (s *Scanner) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].TruncatedKey < out[j].TruncatedKey
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the peer table before the first tick.
	s.runScan()
	s.sweepStale()

	ticker := time.NewTicker(s.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
			s.sweepStale()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfTruncatedKey)
				if !ok {
					continue
				}
				s.observe(peer)
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		s.logger.Warn("mDNS browse failed", zap.Error(err))
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

// observe records a sighting, emitting peer_discovered only on first
// appearance. Later sightings refresh LastSeen and metadata silently.
func (s *Scanner) observe(peer Peer) {
	peer.LastSeen = s.cfg.now()

	s.mu.Lock()
	_, known := s.peers[peer.TruncatedKey]
	s.peers[peer.TruncatedKey] = peer
	s.mu.Unlock()

	if !known {
		s.logger.Info("peer discovered",
			zap.String("truncated_key", peer.TruncatedKey),
			zap.String("device_name", peer.DeviceName))
		s.emitEvent(Event{Type: EventPeerDiscovered, Peer: peer})
	}
}

// sweepStale evicts peers unseen for longer than StaleAfter, emitting
// peer_lost once per eviction.
func (s *Scanner) sweepStale() {
	cutoff := s.cfg.now().Add(-s.cfg.StaleAfter)

	s.mu.Lock()
	var lost []Peer
	for key, peer := range s.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(s.peers, key)
			lost = append(lost, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range lost {
		s.logger.Info("peer lost",
			zap.String("truncated_key", peer.TruncatedKey),
			zap.String("device_name", peer.DeviceName))
		s.emitEvent(Event{Type: EventPeerLost, Peer: peer})
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfTruncatedKey string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	truncatedKey := strings.TrimSpace(txt["truncated_key"])
	if truncatedKey == "" || truncatedKey == selfTruncatedKey {
		return Peer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = truncatedKey
	}

	return Peer{
		TruncatedKey: truncatedKey,
		DeviceName:   name,
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
