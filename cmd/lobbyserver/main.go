package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/blobstore"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/identity"
	"github.com/cgf/raceserver/internal/lobby"
	"github.com/cgf/raceserver/internal/mapcatalog"
	"github.com/cgf/raceserver/internal/mapprovider"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/registry"
	"github.com/cgf/raceserver/internal/room"
	"github.com/cgf/raceserver/internal/session"
	"github.com/cgf/raceserver/internal/store"
)

const ConfigPath = "config/lobbyserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("CGF_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("raceserver starting", "host", cfg.Server.HostName, "port", cfg.Server.Port, "local_dev", cfg.Server.LocalDev)

	db, err := store.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	blobs := blobstore.New(cfg.BlobStore.AccessKey, cfg.BlobStore.SecretKey, cfg.BlobStore.ServiceURL, cfg.BlobStore.BucketName)
	catalog := mapcatalog.New(cfg.MapCatalog.URL)
	mapProv := mapprovider.New(cfg.MapProvider, catalog, blobs, db)
	if err := mapProv.LoadPoolFromStore(ctx); err != nil {
		slog.Warn("loading persisted random map pool failed", "err", err)
	}

	verifier := identity.NewHTTPVerifier(cfg.Identity.Secret, cfg.Identity.URL)
	directory := identity.NewDirectory(db, verifier)

	reg := registry.New()
	mainLobby := lobby.New(
		model.Lobby{Name: model.MainLobbyName, CreationTS: float64(time.Now().Unix())},
		admin.New(nil, nil, nil),
		chatlog.New(db, "lobby", model.MainLobbyName),
		db,
		reg,
	)
	if err := reg.RegisterLobby(model.MainLobbyName, mainLobby); err != nil {
		return fmt.Errorf("registering MainLobby: %w", err)
	}
	slog.Info("MainLobby registered")

	deps := session.Deps{
		Store:       db,
		Directory:   directory,
		Registry:    reg,
		MapProvider: mapProv,
		RoomTiming:  cfg.RoomTiming,
		Auth:        cfg.Auth,
		Version:     "1.0.0",
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting random map pool maintainer", "target", cfg.MapProvider.MaintainNMaps)
		if err := mapProv.MaintainPool(gctx); err != nil {
			return fmt.Errorf("map pool maintainer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("starting track-of-the-day poller")
		if err := mapProv.PollTOTD(gctx); err != nil {
			return fmt.Errorf("totd poller: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("starting lobby/room periodic info push", "interval", cfg.RoomTiming.PeriodicPushInterval)
		pushLobbiesAndRooms(gctx, reg, cfg.RoomTiming.PeriodicPushInterval)
		return nil
	})

	g.Go(func() error {
		slog.Info("starting room retirement sweep", "interval", cfg.RoomTiming.PeriodicPushInterval)
		sweepRetiredRooms(gctx, reg, cfg.RoomTiming.PeriodicPushInterval)
		return nil
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.HostName, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", cfg.Server.HostName, cfg.Server.Port, err)
	}
	defer ln.Close()
	slog.Info("listening", "addr", ln.Addr())

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		return acceptLoop(gctx, ln, reg, deps)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// pushLobbiesAndRooms broadcasts LOBBY_INFO to every live lobby and
// ROOM_INFO/LIST_TEAMS/LIST_READY_STATUS to every live room on a fixed
// tick, until ctx is canceled.
func pushLobbiesAndRooms(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range reg.LobbyNames() {
				if h, ok := reg.Lobby(name); ok {
					if lob, ok := h.(*lobby.Controller); ok {
						lob.PushInfo()
					}
				}
			}
			for _, name := range reg.RoomNames() {
				if h, ok := reg.Room(name); ok {
					if rm, ok := h.(*room.Controller); ok {
						rm.PushInfo()
					}
				}
			}
		}
	}
}

// sweepRetiredRooms retires and deregisters any room that has been
// empty past EmptyRetireAfter or is older than MaxAgeRetireAfter,
// broadcasting ROOM_RETIRED before dropping it from the registry and
// its owning lobby.
func sweepRetiredRooms(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, name := range reg.RoomNames() {
				h, ok := reg.Room(name)
				if !ok {
					continue
				}
				rm, ok := h.(*room.Controller)
				if !ok || rm.IsRetired() {
					continue
				}
				if !rm.ShouldRetireEmpty(now) && !rm.ShouldRetireAge(now) {
					continue
				}
				rm.Retire()
				rm.Broadcast(map[string]any{"type": "ROOM_RETIRED", "payload": map[string]any{"name": rm.Name()}})
				reg.UnregisterRoom(rm.Name())
				if lh, ok := reg.Lobby(rm.Lobby()); ok {
					if lob, ok := lh.(*lobby.Controller); ok {
						lob.DeregisterRoom(rm.Name())
					}
				}
				slog.Info("room retired", "room", rm.Name(), "lobby", rm.Lobby())
			}
		}
	}
}

// acceptLoop accepts connections until ctx is canceled, spawning one
// goroutine per client per the teacher's per-connection server idiom.
func acceptLoop(ctx context.Context, ln net.Listener, reg *registry.Registry, deps session.Deps) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go serveConn(ctx, conn, reg, deps)
	}
}

func serveConn(ctx context.Context, conn net.Conn, reg *registry.Registry, deps session.Deps) {
	defer conn.Close()

	s := session.New(conn, deps)
	connID, err := registerSession(reg, s)
	if err != nil {
		slog.Warn("registering client session failed", "err", err)
		return
	}
	defer reg.UnregisterClient(connID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session panicked", "remote", conn.RemoteAddr(), "panic", r)
			_ = s.Send(map[string]any{"error": "Unknown server error"})
		}
	}()

	if err := s.Run(ctx); err != nil {
		slog.Warn("session ended with error", "remote", conn.RemoteAddr(), "err", err)
	}
}

func registerSession(reg *registry.Registry, s *session.Session) (string, error) {
	connID := fmt.Sprintf("%p", s)
	if err := reg.RegisterClient(connID, s); err != nil {
		return "", err
	}
	return connID, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
