// Package master wires the Distributor, QueueProcessor, relational store,
// ingress HTTP API, and Worker RPC clients into one running process
// (spec.md §4.7, §4.8, §6).
package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/distributor"
	"github.com/local/sendbrain/internal/ingress"
	"github.com/local/sendbrain/internal/metrics"
	"github.com/local/sendbrain/internal/notify"
	"github.com/local/sendbrain/internal/queue"
	"github.com/local/sendbrain/internal/registry"
	"github.com/local/sendbrain/internal/store"
)

// Master hosts the Distributor, QueueProcessor, and public ingress API for
// one deployment.
type Master struct {
	cfg      config.Config
	store    store.Store
	registry *registry.Registry
	bus      *notify.Bus
	queue    *queue.Processor
	ingress  *ingress.Server
	log      zerolog.Logger

	ingressSrv *http.Server
	metricsSrv *http.Server
}

// New opens the relational store, builds the Worker registry from
// cfg.Workers, and wires the Distributor, QueueProcessor and ingress API
// on top of it.
func New(cfg config.Config, log zerolog.Logger) (*Master, error) {
	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	workerURLs := make(map[string]string, len(cfg.Workers.URLs))
	for i, url := range cfg.Workers.URLs {
		workerURLs[fmt.Sprintf("worker-%d", i+1)] = url
	}
	reg := registry.NewRegistry(workerURLs, log)
	bus := notify.NewBus(log)

	dist := distributor.New(st, reg, bus, log)
	qp := queue.New(st, reg, bus, log)
	ing := ingress.New(dist, st, cfg.Ingress.APIKey, log)

	return &Master{
		cfg:      cfg,
		store:    st,
		registry: reg,
		bus:      bus,
		queue:    qp,
		ingress:  ing,
		log:      log,
	}, nil
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Run starts the QueueProcessor tick loop, the public ingress API, and the
// Prometheus endpoint, blocking until ctx is cancelled or either HTTP
// server fails. Shutdown follows spec.md §5: the QueueProcessor's ctx is
// cancelled first so it stops accepting new ticks, then the HTTP servers
// drain in-flight requests before returning.
func (m *Master) Run(ctx context.Context) error {
	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()
	go m.queue.Run(queueCtx)

	m.ingressSrv = &http.Server{Addr: m.cfg.Server.ListenAddr, Handler: m.ingress}
	m.metricsSrv = &http.Server{Addr: m.cfg.Server.MetricsAddr, Handler: metrics.Handler()}

	errCh := make(chan error, 2)
	go func() { errCh <- m.ingressSrv.ListenAndServe() }()
	go func() { errCh <- m.metricsSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		cancelQueue()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.ingressSrv.Shutdown(shutdownCtx)
		_ = m.metricsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close releases the relational store and the notification bus.
func (m *Master) Close() error {
	_ = m.bus.Close()
	return m.store.Close()
}
