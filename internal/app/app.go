package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"designer/internal/config"
	mcpserver "designer/internal/mcp"
	"designer/internal/offline"
	"designer/internal/remote"
	"designer/internal/secret"
	"designer/internal/service"
	"designer/internal/storage"
)

// App wires the save pipeline together: offline storage, the remote, the
// save queue and its background resumer.
type App struct {
	cfg config.Config
	log *zap.Logger

	db     *storage.DB     // set for the sqlite backend
	files  *storage.FileKV // set for the file backend
	store  *offline.Store
	remote remote.Remote

	registry *prometheus.Registry
	metrics  *service.Metrics
	notifier *mcpserver.Notifier
	emitter  service.EventEmitter
	queue    *service.SaveQueue
	resumer  *service.Resumer

	mu          sync.Mutex
	metricsSrv  *http.Server
	metricsAddr string
	approvalDB  *storage.DB // opened on demand when db is nil
}

// Option customizes New.
type Option func(*options)

type options struct {
	remote    remote.Remote
	secrets   secret.SecretStore
	queueOpts func(*service.SaveQueueOptions)
}

// WithRemote replaces the remote built from config.
func WithRemote(r remote.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithSecrets replaces the secret store named in config.
func WithSecrets(s secret.SecretStore) Option {
	return func(o *options) { o.secrets = s }
}

// WithQueueOptions adjusts the save queue options derived from config.
func WithQueueOptions(fn func(*service.SaveQueueOptions)) Option {
	return func(o *options) { o.queueOpts = fn }
}

// New builds the App. Nothing runs until Startup.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, log: logger, notifier: &mcpserver.Notifier{}}

	kv, err := a.openKV()
	if err != nil {
		return nil, err
	}
	codec, err := storage.NewCodec(cfg.Storage.Codec)
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	a.store = offline.NewStore(kv, codec, logger)

	a.remote = o.remote
	if a.remote == nil {
		secrets := o.secrets
		if secrets == nil {
			if secrets, err = secret.New(cfg.Secrets.Kind); err != nil {
				a.closeStorage()
				return nil, err
			}
		}
		if a.remote, err = remote.New(cfg.Remote, secrets, logger); err != nil {
			a.closeStorage()
			return nil, fmt.Errorf("create remote: %w", err)
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = service.NewMetrics(a.registry)

	qopts := QueueOptions(cfg.Queue)
	if o.queueOpts != nil {
		o.queueOpts(&qopts)
	}
	a.emitter = service.MultiEmitter{service.LogEmitter{Log: logger}, a.notifier}
	a.queue = service.NewSaveQueue(a.store, a.remote, qopts, a.emitter, logger, a.metrics)
	a.resumer = service.NewResumer(a.queue, a.files, cfg.Queue.SweepSpec, logger)
	return a, nil
}

func (a *App) openKV() (storage.KV, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := storage.New(a.cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open offline database: %w", err)
		}
		a.db = db
		return storage.NewSQLiteKV(db, a.cfg.Storage.Quota), nil
	case config.BackendFile:
		files, err := storage.NewFileKV(a.cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		a.files = files
		return files, nil
	case config.BackendMemory:
		return storage.NewMemoryKV(), nil
	}
	return nil, fmt.Errorf("unsupported storage backend: %q", a.cfg.Storage.Backend)
}

// QueueOptions maps the queue section of the config onto SaveQueueOptions.
func QueueOptions(c config.QueueConfig) service.SaveQueueOptions {
	opts := service.DefaultSaveQueueOptions()
	if c.DebounceWindow > 0 {
		opts.DebounceWindow = c.DebounceWindow
	}
	if c.FlushDelay > 0 {
		opts.FlushDelay = c.FlushDelay
	}
	if c.AutoFlush != nil {
		opts.AutoFlush = *c.AutoFlush
	}
	if c.ResumeOnInit != nil {
		opts.ResumeOnInit = *c.ResumeOnInit
	}
	if c.MaxParallel > 0 {
		opts.MaxParallel = c.MaxParallel
	}
	if c.Retry.Initial > 0 {
		opts.Retry = c.Retry
	}
	return opts
}

// Startup loads persisted queues.
func (a *App) Startup(ctx context.Context) error {
	if err := a.queue.Init(ctx); err != nil {
		return fmt.Errorf("init save queue: %w", err)
	}
	a.log.Info("designer started",
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("remote", string(a.cfg.Remote.Driver)),
		zap.Int("pendingProjects", len(a.queue.Projects())))
	return nil
}

// StartBackground starts the resume sweep and, when configured, the metrics
// endpoint.
func (a *App) StartBackground(ctx context.Context) error {
	if err := a.resumer.Start(ctx); err != nil {
		return err
	}
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	return a.startMetricsServer()
}

func (a *App) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.mu.Lock()
	a.metricsSrv = srv
	a.metricsAddr = listener.Addr().String()
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server error", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", listener.Addr().String()))
	return nil
}

// Shutdown stops background work, persists every queue and closes storage
// and the remote.
func (a *App) Shutdown(ctx context.Context) error {
	a.resumer.Stop()

	a.mu.Lock()
	srv := a.metricsSrv
	a.metricsSrv = nil
	a.metricsAddr = ""
	a.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	var errs []error
	if err := a.queue.Teardown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("teardown save queue: %w", err))
	}
	if err := a.remote.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close remote: %w", err))
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	var errs []error
	a.mu.Lock()
	if a.approvalDB != nil {
		errs = append(errs, a.approvalDB.Close())
		a.approvalDB = nil
	}
	a.mu.Unlock()
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}

// Queue returns the save queue.
func (a *App) Queue() *service.SaveQueue {
	return a.queue
}

// MetricsAddr returns the address the metrics endpoint listens on, or ""
// when it is not running.
func (a *App) MetricsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsAddr
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Approvals returns the approval store shared with the CLI: the offline
// database for the sqlite backend, a separate file otherwise.
func (a *App) Approvals() (*storage.ApprovalStore, error) {
	if a.db != nil {
		return storage.NewApprovalStore(a.db), nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.approvalDB == nil {
		db, err := storage.New(a.cfg.MCP.ApprovalDB)
		if err != nil {
			return nil, fmt.Errorf("open approval database: %w", err)
		}
		a.approvalDB = db
	}
	return storage.NewApprovalStore(a.approvalDB), nil
}

// OpenApprovals opens the approval store without building the rest of the
// App. The returned func closes it.
func OpenApprovals(cfg config.Config) (*storage.ApprovalStore, func() error, error) {
	path := cfg.MCP.ApprovalDB
	if cfg.Storage.Backend == config.BackendSQLite {
		path = cfg.Storage.Path
	}
	db, err := storage.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open approval database: %w", err)
	}
	return storage.NewApprovalStore(db), db.Close, nil
}
