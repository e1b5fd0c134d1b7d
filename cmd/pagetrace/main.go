// Command pagetrace is the browsing instrumentation daemon: it drives a
// Chrome instance over CDP, fuses its signals into page visits and
// transition records, and persists them to the configured sinks.
//
// Usage:
//
//	pagetrace -config pagetrace.yaml        # full daemon from YAML config
//	pagetrace -url https://example.com      # instrument one page, stdout sink
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagetrace/config"
	"github.com/hazyhaar/pagetrace/dbopen"
	"github.com/hazyhaar/pagetrace/diag"
	"github.com/hazyhaar/pagetrace/host/rodhost"
	"github.com/hazyhaar/pagetrace/session"
	"github.com/hazyhaar/pagetrace/visitstore"
)

func main() {
	configPath := flag.String("config", "", "path to pagetrace.yaml config file")
	singleURL := flag.String("url", "", "instrument a single URL (stdout sink)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *singleURL); err != nil {
		logger.Error("pagetrace: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, singleURL string) error {
	var cfg *config.Config
	switch {
	case singleURL != "":
		cfg = &config.Config{
			Sinks: []config.SinkConfig{{Type: "stdout"}},
			Pages: []string{singleURL},
		}
	case configPath != "":
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: pagetrace -config <file> | -url <url>")
		os.Exit(1)
	}

	sink, store, err := buildSinks(cfg.Sinks, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	h := rodhost.New(cfg.Browser, logger)
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer h.Close()

	sess, err := session.New(cfg.Session, h, sink, session.WithLogger(logger))
	if err != nil {
		return err
	}

	if cfg.Diag.Addr != "" {
		srv := &http.Server{
			Addr:    cfg.Diag.Addr,
			Handler: diag.New(sess, store, logger).Router(),
		}
		go func() {
			logger.Info("pagetrace: diag listening", "addr", cfg.Diag.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("pagetrace: diag server", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	for _, url := range cfg.Pages {
		if _, err := h.OpenSurface(ctx, url); err != nil {
			logger.Warn("pagetrace: open page failed", "url", url, "error", err)
		}
	}

	err = sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildSinks assembles the configured sinks behind one router. The SQLite
// store is also returned separately for the diag recent-record queries.
func buildSinks(cfgs []config.SinkConfig, logger *slog.Logger) (visitstore.Sink, *visitstore.SQLite, error) {
	var sinks []visitstore.Sink
	var store *visitstore.SQLite

	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, visitstore.NewWriter(os.Stdout))
		case "sqlite":
			db, err := dbopen.Open(sc.Path,
				dbopen.WithMkdirAll(),
				dbopen.WithSchema(visitstore.Schema))
			if err != nil {
				return nil, nil, fmt.Errorf("sink %s: %w", sc.Path, err)
			}
			store = visitstore.NewSQLite(db, logger)
			sinks = append(sinks, store)
		}
	}

	if len(sinks) == 1 {
		return sinks[0], store, nil
	}
	return visitstore.NewRouter(sinks...), store, nil
}
