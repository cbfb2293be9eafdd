// Command livedub is the main entry point for the livedub translation relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livedub/internal/app"
	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/internal/speechtest"
	"github.com/MrWong99/livedub/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livedub.yaml", "path to the YAML configuration file")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livedub: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livedub: %v\n", err)
		}
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("livedub starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetricsHandler(provider.Handler()),
	}

	// ── Demo endpoint (optional) ──────────────────────────────────────────────
	if cfg.Speech.Demo {
		in, out := cfg.Speech.InputRate, cfg.Speech.OutputRate
		if in <= 0 {
			in = transport.DefaultInputRate
		}
		if out <= 0 {
			out = transport.DefaultOutputRate
		}
		srv := speechtest.NewServer(
			speechtest.WithResponder(speechtest.Echo(in, out)),
			speechtest.WithTranscripts("(demo echo)"),
		)
		defer srv.Close()
		opts = append(opts, app.WithEndpoint(srv.URL()))
		slog.Info("demo endpoint running", "url", srv.URL())
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if !watcher.Check() {
						slog.Info("SIGHUP: configuration unchanged")
					}
				}
			}
		}()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         livedub startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	endpoint := cfg.Speech.URL
	if cfg.Speech.Demo {
		endpoint = "(demo echo)"
	}
	printField("Endpoint", endpoint)
	printField("Capture", driverName(cfg.Capture.Driver, "silence"))
	printField("Playback", driverName(cfg.Playback.Driver, "discard"))
	if cfg.Suppression.Enabled {
		printField("Suppression", "enabled")
	} else {
		printField("Suppression", "(disabled)")
	}
	printField("Tabs", fmt.Sprint(len(cfg.Tabs)))
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func driverName(e config.DriverEntry, def string) string {
	if e.Name == "" {
		return def
	}
	return e.Name
}

func printField(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
