// Package broker wires the store, subprocess supervisor, OAuth2 manager and
// router into a running daemon: it owns the HTTP listener, the pidfile, and
// the shutdown sequence triggered by SIGINT/SIGTERM.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/capa-dev/capabroker/internal/config"
	"github.com/capa-dev/capabroker/internal/oauth2"
	"github.com/capa-dev/capabroker/internal/router"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/internal/supervisor"
	"github.com/capa-dev/capabroker/pkg/logging"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests to
// drain before tearing down the rest of the daemon.
const shutdownGrace = 5 * time.Second

// Broker owns the daemon's lifecycle: the sqlite store, subprocess
// supervisor, OAuth2 manager, router, and the HTTP server built on top of
// them.
type Broker struct {
	cfg     config.Config
	version string
	store   *store.Store
	sup     *supervisor.Supervisor
	oauth   *oauth2.Manager
	router  *router.Router
	server  *http.Server
}

// New opens the store and wires every component. Callers must call Run to
// start serving and eventually close the pidfile and the store.
func New(cfg config.Config, version string) (*Broker, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	logging.Init(cfg.LogLevel, os.Stdout)

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sup := supervisor.New(st)
	if err := sup.RecoverOrphans(); err != nil {
		logging.Warn("broker", "failed to recover orphaned subprocess records: %v", err)
	}

	oa := oauth2.New(st, fmt.Sprintf("http://%s", cfg.Addr()))
	rt := router.New(st, sup, oa, version)

	b := &Broker{
		cfg:     cfg,
		version: version,
		store:   st,
		sup:     sup,
		oauth:   oa,
		router:  rt,
		server: &http.Server{
			Addr:    cfg.Addr(),
			Handler: rt.Mux(),
		},
	}
	return b, nil
}

// Run starts the HTTP listener, writes the pidfile, and blocks until ctx is
// canceled or a SIGINT/SIGTERM arrives, then runs the full shutdown
// sequence: stop scheduler, close MCP clients, terminate subprocesses,
// close the store.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		_ = b.store.Close()
		return fmt.Errorf("binding %s: %w", b.server.Addr, err)
	}

	if err := b.writePidFile(); err != nil {
		logging.Warn("broker", "failed to write pidfile %s: %v", b.cfg.PIDFilePath(), err)
	}
	defer b.removePidFile()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("broker", "listening on %s", b.server.Addr)
		serveErr <- b.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.shutdownComponents()
			return fmt.Errorf("http server: %w", err)
		}
	case <-sigCtx.Done():
		logging.Info("broker", "received shutdown signal, draining connections")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := b.server.Shutdown(shutCtx); err != nil {
			logging.Warn("broker", "http server shutdown: %v", err)
		}
	}

	b.shutdownComponents()
	return nil
}

// shutdownComponents runs the teardown order spec'd for the daemon: stop
// the token refresh scheduler and session sweep (owned by the router),
// close every cached MCP client, terminate supervised subprocesses, then
// close the store.
func (b *Broker) shutdownComponents() {
	b.router.Stop()
	b.router.CloseAllClients()
	b.sup.StopAll()
	if err := b.store.Close(); err != nil {
		logging.Warn("broker", "failed to close store: %v", err)
	}
	logging.Info("broker", "shutdown complete")
}

func (b *Broker) writePidFile() error {
	path := b.cfg.PIDFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	contents := fmt.Sprintf("%d:%s", os.Getpid(), b.version)
	return os.WriteFile(path, []byte(contents), 0o600)
}

func (b *Broker) removePidFile() {
	path := b.cfg.PIDFilePath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("broker", "failed to remove pidfile %s: %v", path, err)
	}
}
