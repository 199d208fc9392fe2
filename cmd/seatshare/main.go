// Command seatshare runs the ProxySharing dispatcher fleet: one
// Dispatcher per configured proxy spec, an HTTP admission API in front
// of them, an orphan-seat reaper, and an optional Telegram notifier.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/seatshare/internal/audit"
	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/dispatcher"
	"github.com/basket/seatshare/internal/dockerdelegate"
	"github.com/basket/seatshare/internal/gatewayhttp"
	"github.com/basket/seatshare/internal/notify"
	"github.com/basket/seatshare/internal/obs"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/reaper"
	"github.com/basket/seatshare/internal/seatstore"
	"github.com/basket/seatshare/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command>

COMMANDS:
  serve                 Run the dispatcher fleet and admission API (default)
  doctor [-json]        Run diagnostic checks and exit
  status                Query a running fleet's /healthz endpoint
  dashboard             Live terminal view of a running fleet's health

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	homeDir := os.Getenv("SEATSHARE_HOME")
	if homeDir == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			homeDir = filepath.Join(dir, ".seatshare")
		} else {
			homeDir = ".seatshare"
		}
	}

	configPath := flag.String("config", filepath.Join(homeDir, "config.yaml"), "path to config.yaml")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "doctor":
		os.Exit(runDoctorCommand(context.Background(), *configPath, args))
	case "status":
		os.Exit(runStatusCommand(context.Background(), *configPath, args))
	case "dashboard":
		os.Exit(runDashboardCommand(context.Background(), *configPath))
	case "serve":
		os.Exit(runServeCommand(*configPath))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServeCommand(configPath string) int {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create config dir: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(filepath.Dir(configPath), "info", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	if err := audit.Init(filepath.Dir(configPath)); err != nil {
		logger.Error("failed to init audit trail", "error", err)
		return 1
	}
	defer audit.Close()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := obs.Init(ctx, obs.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Error("failed to init telemetry provider", "error", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := obs.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		return 1
	}

	eventBus := bus.NewWithLogger(logger)

	dbPath := filepath.Join(filepath.Dir(configPath), "seatshare.db")
	proxies, err := proxystore.Open(dbPath)
	if err != nil {
		logger.Error("failed to open proxy store", "path", dbPath, "error", err)
		return 1
	}
	defer proxies.Close()

	seats := seatstore.New(eventBus)

	delegates, err := dockerdelegate.New(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to init docker delegate store", "error", err)
		return 1
	}
	defer delegates.Close()

	// Seed the seat inventory from delegate workloads already running on
	// the daemon; later capacity changes go through RegisterSeat/DeregisterSeat.
	discovered, err := delegates.DiscoverDelegates(ctx, cfg.Docker.Label)
	if err != nil {
		logger.Warn("delegate discovery failed; starting with an empty seat inventory", "error", err)
	}
	for _, dg := range discovered {
		for i := 0; i < dg.Seats; i++ {
			seats.RegisterSeat(uuid.NewString(), dg.SpecID, dg.DelegateID)
		}
		logger.Info("registered delegate workload",
			"delegate_id", dg.DelegateID, "spec_id", dg.SpecID, "seats", dg.Seats)
	}

	registry := dispatcher.NewRegistry()
	dispatcherCfg := dispatcher.Config{
		WaitUnit:    cfg.Proxy.Sharing.WaitUnit(),
		MaxAttempts: cfg.Proxy.Sharing.MaxAttempts,
		PendingTTL:  cfg.Proxy.Sharing.PendingTTL(),
	}
	for _, spec := range cfg.ProxySpecs() {
		d := dispatcher.New(spec, seats, delegates, proxies, eventBus, dispatcherCfg, metrics)
		registry.Register(d)
		logger.Info("registered dispatcher", "spec_id", spec.ID)
	}
	defer registry.CloseAll()

	var teleg *notify.Telegram
	if cfg.Telegram.Enabled {
		teleg = notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID, eventBus, logger)
		if err := teleg.Start(ctx); err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
			teleg = nil
		} else {
			defer teleg.Stop()
		}
	}

	var orphanReaper *reaper.Reaper
	if cfg.Reaper.Enabled {
		orphanReaper, err = reaper.New(reaper.Config{
			Seats:    seats,
			Proxies:  proxies,
			Bus:      eventBus,
			Schedule: cfg.Reaper.Schedule,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("failed to init reaper", "error", err)
			return 1
		}
		orphanReaper.Start(ctx)
		defer orphanReaper.Stop()
	}

	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	go func() {
		for range watcher.Events() {
			logger.Info("config file changed; restart the fleet to pick up spec changes")
		}
	}()

	server := gatewayhttp.New(gatewayhttp.Config{
		Dispatchers: registry,
		Proxies:     proxies,
		Bus:         eventBus,
		AuthToken:    cfg.Server.AuthToken,
		RateLimit:    cfg.Server.RateLimit,
		CORS:         cfg.Server.CORS,
		AllowOrigins: cfg.Server.CORS.AllowedOrigins,
		Logger:       logger,
	})

	httpServer := &httpServerWrapper{addr: cfg.Server.Addr, handler: server.Handler(), logger: logger}
	runErr := httpServer.Run(ctx)
	server.Close()
	if runErr != nil {
		logger.Error("http server exited with error", "error", runErr)
		return 1
	}

	logger.Info("seatshare shut down cleanly")
	return 0
}

// httpServerWrapper runs the admission API and shuts it down cleanly
// when ctx is cancelled.
type httpServerWrapper struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

func (w *httpServerWrapper) Run(ctx context.Context) error {
	srv := &http.Server{Addr: w.addr, Handler: w.handler}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("admission API listening", "addr", w.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
