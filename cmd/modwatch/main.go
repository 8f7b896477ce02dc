package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/netutil"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/modwatch/mcpquic"
	"github.com/hazyhaar/modwatch/modwatch"
	"github.com/hazyhaar/modwatch/report"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logs go to stderr, scan reports as JSON lines to stdout.
	svc, err := modwatch.New(cfg,
		modwatch.WithLogger(logger),
		modwatch.WithSink(report.NewStdout(os.Stdout)))
	if err != nil {
		slog.Error("service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Optional MCP over QUIC.
	if cfg.MCP.QUICAddr != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "modwatch",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		var tlsCfg *tls.Config
		if cfg.MCP.InsecureDevTLS {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		} else {
			tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
		}
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
			os.Exit(1)
		}
		ql, err := mcpquic.NewListener(cfg.MCP.QUICAddr, tlsCfg, mcpSrv, logger)
		if err != nil {
			slog.Error("MCP QUIC listener", "error", err)
			os.Exit(1)
		}
		defer ql.Close()
		go func() {
			slog.Info("MCP QUIC starting", "addr", cfg.MCP.QUICAddr)
			if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
				slog.Error("MCP QUIC", "error", sErr)
			}
		}()
	}

	if err := svc.Start(ctx); err != nil {
		slog.Error("start", "error", err)
		os.Exit(1)
	}

	// HTTP server. The listener is capped so a connection flood degrades
	// into queueing instead of file descriptor exhaustion.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		slog.Error("listen", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	if cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Limits.MaxConns)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the config file when one is given and then lets the
// environment override the common knobs, so containers can run without a
// file at all.
func loadConfig(path string) (*modwatch.Config, error) {
	var cfg *modwatch.Config
	if path != "" {
		var err error
		cfg, err = modwatch.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = modwatch.DefaultConfig()
	}

	cfg.ListenAddr = env("MODWATCH_LISTEN", cfg.ListenAddr)
	cfg.UnitsDir = env("MODWATCH_UNITS_DIR", cfg.UnitsDir)
	cfg.DBPath = env("MODWATCH_DB", cfg.DBPath)
	cfg.MCP.QUICAddr = env("MODWATCH_MCP_QUIC_ADDR", cfg.MCP.QUICAddr)
	if v := os.Getenv("MODWATCH_TOKEN_HASH"); v != "" {
		cfg.Admin.TokenHash = v
	}
	if v := os.Getenv("MODWATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.PollInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
