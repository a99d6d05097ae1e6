package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"

	"github.com/manpreetbhatti/scrawl/internal/api"
	"github.com/manpreetbhatti/scrawl/internal/auth"
	"github.com/manpreetbhatti/scrawl/internal/blob"
	"github.com/manpreetbhatti/scrawl/internal/cluster"
	"github.com/manpreetbhatti/scrawl/internal/config"
	"github.com/manpreetbhatti/scrawl/internal/db"
	"github.com/manpreetbhatti/scrawl/internal/ledger"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
	"github.com/manpreetbhatti/scrawl/internal/pruning"
	"github.com/manpreetbhatti/scrawl/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func doMain(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level}))

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = ksuid.New().String()
	}
	logger = logger.With(slog.String("instance", instanceID))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	blobs, err := blob.NewStore(cfg.BlobDir, strings.TrimSuffix(cfg.PublicURL, "/")+"/blobs/")
	if err != nil {
		return fmt.Errorf("initializing blob store: %w", err)
	}

	seed := []byte(cfg.TokenKey)
	if len(seed) == 0 {
		if seed, err = auth.GenerateSeed(); err != nil {
			return err
		}
		logger.Warn("SCRAWL_TOKEN_KEY not set, tokens will not survive a restart")
	}
	key, err := auth.KeyFromSeed(seed)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(key.Public().(ed25519.PublicKey))

	var (
		rdb       *redis.Client
		hubOpts   = []ws.Option{ws.WithInstanceID(instanceID)}
		pruneLock pruning.Locker
		subscribe func(context.Context, func(*protocol.Envelope))
	)
	if cfg.Clustered() {
		rOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}

		rdb = redis.NewClient(rOpts)
		defer rdb.Close()
		if err := rdb.Info(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}

		relay := cluster.NewRelay(rdb, logger)
		hubOpts = append(hubOpts,
			ws.WithPresence(cluster.NewPresence(rdb, ws.RoomCapacity)),
			ws.WithRelay(relay),
		)
		pruneLock = cluster.NewLocker(rdb)
		subscribe = relay.Subscribe
	}

	hub := ws.NewHub(logger, hubOpts...)
	go hub.Run(ctx)
	if subscribe != nil {
		go subscribe(ctx, hub.Deliver)
	}

	canvasLedger := ledger.New(database, hub, logger)
	gate := auth.NewGate(verifier, database)
	rooms := auth.NewRooms(database, logger)

	apiHandler := api.New(hub, database, rooms, verifier, blobs, cfg.MaxUploadBytes, logger)
	defer apiHandler.Close()

	wsHandler := ws.NewHandler(hub, canvasLedger, gate, cfg.AllowedOrigins, logger)
	router := apiHandler.Router(wsHandler, instanceID, cfg.AllowedOrigins)

	if cfg.DraftRetention > 0 {
		pruner := pruning.New(database, pruning.Config{
			Interval:  cfg.PruneInterval,
			Retention: cfg.DraftRetention,
		}, pruneLock, logger)
		pruner.Start()
		defer pruner.Stop()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%v", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSDomain != "" {
		server.TLSConfig, err = tlsConfig(cfg.TLSDomain, cfg.PorkbunAPIKey, cfg.PorkbunAPISecret, rdb)
		if err != nil {
			return fmt.Errorf("configuring tls: %w", err)
		}
	}

	ec := make(chan error, 1)
	go func() {
		logger.Info("scrawl server starting",
			slog.String("address", server.Addr),
			slog.String("database", cfg.DBPath),
			slog.Bool("clustered", cfg.Clustered()),
			slog.Bool("tls", server.TLSConfig != nil),
		)

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	if err := doMain(logger); err != nil {
		logger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
}
