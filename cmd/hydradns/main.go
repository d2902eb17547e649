package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/udpiodns/internal/api"
	"github.com/jroosing/udpiodns/internal/api/handlers"
	"github.com/jroosing/udpiodns/internal/config"
	"github.com/jroosing/udpiodns/internal/database"
	"github.com/jroosing/udpiodns/internal/logging"
	"github.com/jroosing/udpiodns/internal/server"
)

const (
	// DefaultDatabasePath is the default location for the HydraDNS database.
	DefaultDatabasePath = "hydradns.db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	dbPath     string
	configPath string
	host       string
	port       int
	workers    int
	noTCP      bool
	jsonLogs   bool
	debug      bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.dbPath, "db", DefaultDatabasePath, "Path to SQLite database file")
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (overrides database-exported config)")
	flag.StringVar(&f.host, "host", "", "Override DNS server bind host")
	flag.IntVar(&f.port, "port", 0, "Override DNS server bind port")
	flag.IntVar(&f.workers, "workers", -1, "Clamp GOMAXPROCS (can only reduce; -1 means default/auto)")
	flag.BoolVar(&f.noTCP, "no-tcp", false, "Disable TCP server")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.workers >= 0 {
		cfg.Server.Workers.Mode = 1 // WorkersFixed
		cfg.Server.Workers.Value = f.workers
	}
	if f.noTCP {
		cfg.Server.EnableTCP = false
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	// Open database (creates with defaults if new)
	db, err := database.Open(flags.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Export database config to config.Config for compatibility
	cfg, err := db.ExportToConfig()
	if err != nil {
		return fmt.Errorf("failed to load config from database: %w", err)
	}

	// An explicit --config file, if given, takes precedence over the
	// database-exported config.
	if flags.configPath != "" {
		fileCfg, loadErr := config.Load(flags.configPath)
		if loadErr != nil {
			return fmt.Errorf("failed to load config file: %w", loadErr)
		}
		cfg = fileCfg
	}

	// Apply command-line overrides (these don't persist to database)
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("HydraDNS starting",
		"database", flags.dbPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", cfg.Server.Workers.String(),
		"tcp", cfg.Server.EnableTCP,
	)
	logger.Info("rate limits", "effective", server.RateLimitsStartupLog())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := server.NewRunner(logger)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.RunWithContext(ctx, cfg) }()

	// API server is always enabled (web UI is mandatory)
	apiSrv := api.New(cfg, db, logger)

	// Wire DNS stats from runner to API handler
	apiSrv.Handler().SetDNSStatsFunc(func() handlers.DNSStatsSnapshot {
		snapshot := runner.DNSStats().Snapshot()
		return handlers.DNSStatsSnapshot{
			QueriesTotal: snapshot.QueriesTotal,
			QueriesUDP:   snapshot.QueriesUDP,
			QueriesTCP:   snapshot.QueriesTCP,
			ResponsesNX:  snapshot.ResponsesNX,
			ResponsesErr: snapshot.ResponsesErr,
			AvgLatencyMs: snapshot.AvgLatencyMs,
		}
	})
	apiSrv.Handler().SetCustomDNSReloadFunc(func() error {
		return runner.ReloadCustomDNS(cfg)
	})

	// The policy engine and UDP listener are only constructed once
	// RunWithContext reaches that point in startup; wire them into the API
	// handler as soon as they're ready without blocking server startup.
	go func() {
		if pe := runner.PolicyEngine(ctx); pe != nil {
			apiSrv.Handler().SetPolicyEngine(pe)
		}
		if udp, ok := runner.UDPServer(ctx); ok {
			apiSrv.Handler().SetUDPStatsFunc(func() handlers.UDPStatsSnapshot {
				s := udp.Stats()
				return handlers.UDPStatsSnapshot{
					Listeners:         s.Listeners,
					ActiveConnections: s.ActiveConnections,
					PendingBytes:      s.PendingBytes,
				}
			})
		}
	}()

	logger.Info("web UI and API starting", "addr", apiSrv.Addr())

	go func() {
		serveErr := apiSrv.ListenAndServe()
		if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
			return
		}
		logger.Error("API server error", "err", serveErr)
		cancel()
	}()

	err = <-errCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = apiSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	logger.Info("web UI and API stopped")

	if err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
