// Command relaygate runs the OpenAI-compatible dispatch gateway: it loads
// a backend table from YAML, hot-reloads it on change, and routes inbound
// chat/completion/embedding/rerank/score/classify/audio requests across
// the configured backends with retry and failover.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/praxisllmlab/relaygate/internal/audit"
	"github.com/praxisllmlab/relaygate/internal/backend"
	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/logging"
	"github.com/praxisllmlab/relaygate/internal/server"
)

// defaultPort is the listen port absent both -addr and PORT (spec.md §6).
const defaultPort = 8000

func main() {
	logging.SetLevel(logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	defaultAddr := fmt.Sprintf(":%d", defaultPort)
	if p, ok := os.LookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(p); err == nil {
			defaultAddr = fmt.Sprintf(":%d", n)
		} else {
			logging.Warnf("ignoring malformed PORT=%q: %v", p, err)
		}
	}
	defaultAuditDir := "./audit"
	if d, ok := os.LookupEnv("RECD_PATH"); ok {
		defaultAuditDir = d
	}

	configPath := flag.String("config", "proxy_config.yaml", "path to backend config YAML")
	addr := flag.String("addr", defaultAddr, "listen address")
	auditDir := flag.String("audit-dir", defaultAuditDir, "directory for rotating audit SQLite files")
	flag.Parse()

	store, err := config.NewStore(*configPath)
	if err != nil {
		logging.Errorf("load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Watch(ctx); err != nil {
		logging.Errorf("watch config: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := os.MkdirAll(*auditDir, 0o755); err != nil {
		logging.Errorf("create audit dir: %v", err)
		os.Exit(1)
	}
	auditSink, err := audit.NewSQLiteSink(*auditDir)
	if err != nil {
		logging.Errorf("open audit sink: %v", err)
		os.Exit(1)
	}
	defer auditSink.Close()

	registry := backend.New()
	store.OnReload(registry.Reconcile)

	srv := server.NewServer(server.Deps{
		Store:    store,
		Backends: registry,
		Audit:    auditSink,
	})

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Infof("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Errorf("shutdown error: %v", err)
		}
		cancel()
	}()

	logging.Infof("relaygate listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("server error: %v", err)
		os.Exit(2)
	}
}
