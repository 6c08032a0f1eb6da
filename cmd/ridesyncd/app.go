package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridesync/internal/cache"
	"ridesync/internal/chat"
	"ridesync/internal/config"
	"ridesync/internal/domain/ride"
	"ridesync/internal/emergency"
	"ridesync/internal/events"
	"ridesync/internal/guard"
	"ridesync/internal/logger"
	"ridesync/internal/push"
	"ridesync/internal/rest"
	"ridesync/internal/retry"
	"ridesync/internal/session"
)

// run wires the sync core and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	log := logger.New("ridesyncd")
	logger.Info(ctx, log, "init_start", "Ride sync core initializing")

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Error(ctx, log, "config_load_failed", "Failed to load configuration", err)
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error(ctx, log, "cache_open_failed", "Failed to open local cache", err)
		return err
	}
	defer store.Close()

	refreshPolicy := retry.Policy{
		MaxAttempts: cfg.Auth.RefreshMaxAttempts,
		Base:        cfg.Auth.BackoffBase,
		Cap:         cfg.Auth.BackoffCap,
	}
	tokens := push.NewTokenSource(
		os.Getenv("RIDESYNC_ACCESS_TOKEN"),
		os.Getenv("RIDESYNC_REFRESH_TOKEN"),
		refreshPolicy,
		logger.New("auth"),
	)

	api := rest.NewHTTPClient(cfg.REST.BaseURL, cfg.REST.Timeout, tokens, logger.New("rest"))
	tokens.SetRefreshFunc(func(ctx context.Context, refreshToken string) (string, string, error) {
		pair, err := api.RefreshToken(ctx, refreshToken)
		return pair.AccessToken, pair.RefreshToken, err
	})

	mux := events.New(events.DefaultQueueSize, logger.New("events"))
	transport := &push.WebsocketTransport{
		DialTimeout:  cfg.Push.DialTimeout,
		PingInterval: cfg.Push.PingInterval,
		WriteTimeout: cfg.Push.WriteTimeout,
	}
	manager := push.NewManager(cfg.Push.URL, transport, tokens, mux, logger.New("push"))

	rides := session.New(store, api, logger.New("session"))
	if err := rides.LoadActive(ctx); err != nil {
		logger.Error(ctx, log, "ride_restore_failed", "Failed to restore cached ride", err)
	}

	chatPipe := chat.New(
		os.Getenv("RIDESYNC_USER_ID"),
		guard.Guard{WarnBytes: cfg.Chat.WarnBytes, MaxBytes: cfg.Chat.MaxBytes},
		store,
		manager,
		logger.New("chat"),
	)
	rides.OnTerminal(func(rideID string, _ ride.Status) {
		chatPipe.ArchiveRide(rideID)
	})

	location := envLocationProvider()
	reporter := emergency.NewReporter(
		location,
		manager,
		rides.ActiveRideID,
		cfg.Location.NormalInterval,
		cfg.Location.EmergencyInterval,
		logger.New("emergency"),
	)
	sosCtl := emergency.New(store, api, location, reporter, rides.ActiveRideID, logger.New("emergency"))
	if err := sosCtl.Load(ctx); err != nil {
		logger.Error(ctx, log, "sos_restore_failed", "Failed to restore cached SOS sessions", err)
	}

	// resync after every authenticated (re)connection
	manager.OnAuthenticated(func(gen uint64) {
		bg := context.WithoutCancel(ctx)
		go chatPipe.Resync(bg, gen)
		go rides.ResyncPendingRatings(bg)
	})

	go rides.Run(ctx, mux)
	go chatPipe.Run(ctx, mux)
	go sosCtl.Run(ctx, mux)
	go reporter.Run(ctx)

	manager.Start(ctx)
	defer manager.Close()

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr, log)
	}

	logger.Info(ctx, log, "service_started", "Ride sync core started")
	<-ctx.Done()
	logger.Info(ctx, log, "shutdown", "Ride sync core shutting down")
	return nil
}

func openStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.InMemory {
		return cache.OpenInMemory()
	}
	return cache.Open(cache.Config{
		Dir:        cfg.Cache.Dir,
		SyncWrites: cfg.Cache.SyncWrites,
		Logger:     logger.New("cache"),
	})
}

// envLocationProvider reads the device position from the environment. A
// headless deployment has no GPS; without a configured position, SOS
// triggers fail fast instead of sending a blind alert.
func envLocationProvider() emergency.LocationProvider {
	return emergency.LocationFunc(func(context.Context) (ride.Location, error) {
		lat, latErr := strconv.ParseFloat(os.Getenv("RIDESYNC_LAT"), 64)
		lng, lngErr := strconv.ParseFloat(os.Getenv("RIDESYNC_LNG"), 64)
		if latErr != nil || lngErr != nil {
			return ride.Location{}, errNoPosition
		}
		return ride.Location{Lat: lat, Lng: lng}, nil
	})
}

var errNoPosition = errors.New("no position source configured")

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, log, "metrics_server_error", "Metrics endpoint terminated", err)
	}
}
