package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gardensync/auth"
	"gardensync/config"
	"gardensync/discovery"
	"gardensync/identity"
	"gardensync/relay"
	"gardensync/replication"
	"gardensync/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "pair" {
		runPair(os.Args[2:])
		return
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer logger.Sync()

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	self, err := identity.GetOrCreate(store, cfg.DeviceName, logger)
	if err != nil {
		log.Fatalf("startup failed while preparing device identity: %v", err)
	}

	if _, err := store.PruneExpiredBackups(time.Now().UnixMilli()); err != nil {
		logger.Warn("prune expired backups", zap.Error(err))
	}

	pairing, err := identity.NewPairingPayload(self)
	if err != nil {
		log.Fatalf("startup failed while creating pairing payload: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", self.DeviceName)
	fmt.Printf("Public Key:      %s\n", identity.TruncateKey(self.PublicKey))
	fmt.Printf("Pairing Code:    %s (valid %s)\n", pairing.Code, identity.PairingExpiry)
	fmt.Printf("Relay Address:   %s\n", relay.PeerAddress(self.PublicKey))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	printStoreStatus(logger, store)

	replicator, err := replication.NewReplicator(replication.Config{
		Actor:  self.PublicKey,
		Store:  store,
		Logger: logger.Named("replication"),
	})
	if err != nil {
		log.Fatalf("startup failed while loading document replica: %v", err)
	}

	var dialer peerDialer
	if cfg.RelayEnabled {
		coordinator, err := relay.NewCoordinator(relay.Config{
			SelfPublicKey: self.PublicKey,
			Signaler:      relay.NewWebsocketSignaler(cfg.RelayURL),
			Registry:      store,
			Security:      store,
			Logger:        logger.Named("relay"),
			ICEServers:    cfg.ICEServers,
		})
		if err != nil {
			log.Fatalf("startup failed while creating relay coordinator: %v", err)
		}

		authenticator, err := auth.NewAuthenticator(auth.Config{
			Self:     self,
			Sender:   coordinator,
			LastSeen: store,
			Security: store,
			Logger:   logger.Named("auth"),
		})
		if err != nil {
			log.Fatalf("startup failed while creating authenticator: %v", err)
		}

		coordinator.Start()
		defer coordinator.Stop()
		dialer = coordinator
		fmt.Println("Relay:           running")

		go pumpSessions(logger.Named("sync"), coordinator, authenticator, replicator)
		go pumpAuth(logger.Named("sync"), coordinator, authenticator, replicator)
		go logErrors(logger.Named("relay"), coordinator.Errors())
	}

	if cfg.DiscoveryEnabled {
		discoveryService, err := discovery.Start(discovery.Config{
			SelfTruncatedKey: identity.TruncateKey(self.PublicKey),
			DeviceName:       self.DeviceName,
			Logger:           logger.Named("discovery"),
		})
		if err != nil {
			logger.Warn("discovery startup failed", zap.Error(err))
		} else {
			defer discoveryService.Stop()
			fmt.Println("Discovery:       running")
			go handleDiscoveryEvents(logger.Named("discovery"), store, dialer, discoveryService.Scanner.Events())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runPair accepts another device's pairing payload from a JSON file:
//
//	gardensync pair <payload-file> <confirmation-code>
//
// The payload is what the remote device prints (or renders as a QR code) at
// startup; the confirmation code is read off the remote screen.
func runPair(args []string) {
	if len(args) != 2 {
		log.Fatalf("usage: gardensync pair <payload-file> <confirmation-code>")
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("pairing failed while reading payload file: %v", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("pairing failed while loading config: %v", err)
	}

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		log.Fatalf("pairing failed while opening database: %v", err)
	}
	defer store.Close()

	self, err := identity.GetOrCreate(store, cfg.DeviceName, zap.NewNop())
	if err != nil {
		log.Fatalf("pairing failed while preparing device identity: %v", err)
	}

	device, err := acceptPairing(store, self, raw, args[1], time.Now())
	if err != nil {
		log.Fatalf("pairing failed: %v", err)
	}

	fmt.Printf("Paired with %s (%s)\n", device.DeviceName, identity.TruncateKey(device.PublicKey))
}

var errSelfPairing = errors.New("cannot pair a device with itself")

// pairingRegistry is the slice of *storage.Store that pairing acceptance needs.
type pairingRegistry interface {
	AddPairedDevice(device storage.PairedDevice) error
}

// acceptPairing validates a received pairing payload plus the user-entered
// confirmation code and, on success, upserts the remote device into the
// trusted registry.
func acceptPairing(registry pairingRegistry, self identity.Identity, raw []byte, code string, now time.Time) (storage.PairedDevice, error) {
	payload, err := identity.ParsePairingPayload(raw)
	if err != nil {
		return storage.PairedDevice{}, err
	}
	if err := identity.ValidatePairingCode(payload, code, now); err != nil {
		return storage.PairedDevice{}, err
	}
	if payload.PK == self.PublicKey {
		return storage.PairedDevice{}, errSelfPairing
	}

	device := storage.PairedDevice{
		PublicKey:  payload.PK,
		DeviceName: payload.Name,
		PairedAt:   now.UnixMilli(),
	}
	if err := registry.AddPairedDevice(device); err != nil {
		return storage.PairedDevice{}, err
	}
	return device, nil
}

// peerDialer is the slice of *relay.Coordinator that discovery handling needs.
type peerDialer interface {
	Dial(peerKey string) error
}

// handleDiscoveryEvents dials paired devices as they appear on the local
// network. Unknown devices are logged and left alone; trust is established
// out of band via the pair subcommand, never from an mDNS sighting.
func handleDiscoveryEvents(logger *zap.Logger, registry relay.Registry, dialer peerDialer, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerDiscovered:
			logger.Info("peer available",
				zap.String("truncated_key", event.Peer.TruncatedKey),
				zap.String("name", event.Peer.DeviceName),
				zap.Strings("addresses", event.Peer.Addresses))
			if dialer == nil {
				continue
			}
			peerKey, err := resolveDiscoveredPeer(registry, event.Peer.TruncatedKey)
			if err != nil {
				logger.Warn("resolve discovered peer", zap.Error(err))
				continue
			}
			if peerKey == "" {
				logger.Info("ignoring unpaired peer", zap.String("truncated_key", event.Peer.TruncatedKey))
				continue
			}
			if err := dialer.Dial(peerKey); err != nil && !errors.Is(err, relay.ErrNotConnected) {
				logger.Warn("dial discovered peer", zap.String("truncated_key", event.Peer.TruncatedKey), zap.Error(err))
			}
		case discovery.EventPeerLost:
			logger.Info("peer gone", zap.String("truncated_key", event.Peer.TruncatedKey))
		}
	}
}

// resolveDiscoveredPeer maps a truncated key from a TXT record back to the
// full public key of a paired device. Returns "" when no paired device
// matches; the truncated key is a lookup hint, never an authorization.
func resolveDiscoveredPeer(registry relay.Registry, truncatedKey string) (string, error) {
	if truncatedKey == "" {
		return "", nil
	}
	devices, err := registry.ListPairedDevices()
	if err != nil {
		return "", err
	}
	for _, device := range devices {
		if identity.TruncateKey(device.PublicKey) == truncatedKey {
			return device.PublicKey, nil
		}
	}
	return "", nil
}

// printStoreStatus reports the most recent unexpired backup and any recent
// security events alongside the startup banner.
func printStoreStatus(logger *zap.Logger, store *storage.Store) {
	backup, err := store.LatestBackup(time.Now().UnixMilli())
	switch {
	case err == nil:
		fmt.Printf("Latest Backup:   %s (%s, created %s)\n",
			backup.BackupID,
			backup.Reason,
			time.UnixMilli(backup.CreatedAt).Format(time.RFC3339))
	case errors.Is(err, storage.ErrNotFound):
		fmt.Println("Latest Backup:   none")
	default:
		logger.Warn("load latest backup", zap.Error(err))
	}

	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{Limit: 5})
	if err != nil {
		logger.Warn("load security events", zap.Error(err))
		return
	}
	fmt.Printf("Security Events: %d recent\n", len(events))
	for _, event := range events {
		logger.Info("security event",
			zap.String("type", event.EventType),
			zap.String("severity", event.Severity),
			zap.Int64("timestamp", event.Timestamp))
	}
}

// pumpSessions routes coordinator session events: fresh sessions start the
// handshake, frames are dispatched by type, and departures clear peer state.
func pumpSessions(logger *zap.Logger, coordinator *relay.Coordinator, authenticator *auth.Authenticator, replicator *replication.Replicator) {
	for event := range coordinator.Events() {
		switch event.Type {
		case relay.SessionOpened:
			if err := authenticator.StartChallenge(event.PeerKey); err != nil {
				logger.Warn("start auth challenge", zap.Error(err))
			}
		case relay.SessionMessage:
			dispatchFrame(logger, coordinator, authenticator, replicator, event.PeerKey, event.Data)
		case relay.SessionClosed:
			authenticator.PeerGone(event.PeerKey)
			replicator.PeerGone(event.PeerKey)
		}
	}
}

func dispatchFrame(logger *zap.Logger, coordinator *relay.Coordinator, authenticator *auth.Authenticator, replicator *replication.Replicator, peerKey string, data []byte) {
	msg, err := relay.DecodeMessage(data)
	if err != nil {
		logger.Warn("malformed frame", zap.String("peer", identity.TruncateKey(peerKey)), zap.Error(err))
		return
	}

	switch msg.Type {
	case relay.MessageAuthChallenge, relay.MessageAuthResponse:
		authenticator.HandleMessage(peerKey, msg)
	case relay.MessageSync:
		if !authenticator.IsAuthenticated(peerKey) {
			logger.Warn("dropping sync from unauthenticated peer", zap.String("peer", identity.TruncateKey(peerKey)))
			return
		}
		if err := replicator.HandleSync(peerKey, msg.Payload); err != nil {
			logger.Warn("apply sync", zap.String("peer", identity.TruncateKey(peerKey)), zap.Error(err))
		}
	case relay.MessageFullState:
		if !authenticator.IsAuthenticated(peerKey) {
			logger.Warn("dropping full-state sync from unauthenticated peer", zap.String("peer", identity.TruncateKey(peerKey)))
			return
		}
		if err := replicator.HandleFullState(peerKey, msg.Payload); err != nil {
			logger.Warn("apply full-state sync", zap.String("peer", identity.TruncateKey(peerKey)), zap.Error(err))
		}
	case relay.MessagePing:
		pong, err := relay.NewMessage(relay.MessagePong, nil)
		if err != nil {
			return
		}
		raw, err := relay.EncodeMessage(pong)
		if err != nil {
			return
		}
		if err := coordinator.Send(peerKey, raw); err != nil {
			logger.Debug("pong send failed", zap.Error(err))
		}
	case relay.MessagePong:
	default:
		logger.Debug("ignoring unknown frame type", zap.String("type", msg.Type))
	}
}

// pumpAuth registers freshly authenticated peers with the replicator, which
// bootstraps them with a full-state snapshot.
func pumpAuth(logger *zap.Logger, coordinator *relay.Coordinator, authenticator *auth.Authenticator, replicator *replication.Replicator) {
	for event := range authenticator.Events() {
		switch event.Type {
		case auth.EventAuthenticated:
			peerKey := event.PeerKey
			err := replicator.PeerAuthenticated(peerKey, func(data []byte) error {
				return coordinator.Send(peerKey, data)
			})
			if err != nil {
				logger.Warn("register authenticated peer", zap.Error(err))
			}
		case auth.EventFailed:
			replicator.PeerGone(event.PeerKey)
		}
	}
}

func logErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("background error", zap.Error(err))
	}
}
