// Package app builds and holds the long-lived crawlstream services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/api"
	"github.com/JakeFAU/crawlstream/internal/busy"
	"github.com/JakeFAU/crawlstream/internal/clock/system"
	"github.com/JakeFAU/crawlstream/internal/config"
	"github.com/JakeFAU/crawlstream/internal/crawlapi"
	"github.com/JakeFAU/crawlstream/internal/id/uuid"
	"github.com/JakeFAU/crawlstream/internal/logging"
	"github.com/JakeFAU/crawlstream/internal/metrics"
	"github.com/JakeFAU/crawlstream/internal/progress"
	progresssinks "github.com/JakeFAU/crawlstream/internal/progress/sinks"
	"github.com/JakeFAU/crawlstream/internal/publisher"
	gcppublisher "github.com/JakeFAU/crawlstream/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlstream/internal/report"
	"github.com/JakeFAU/crawlstream/internal/session"
	"github.com/JakeFAU/crawlstream/internal/socket"
	gcsstorage "github.com/JakeFAU/crawlstream/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlstream/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlstream/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlstream/internal/storage/postgres"
	"github.com/JakeFAU/crawlstream/internal/store"
)

// Options override process-wide defaults, mainly for tests.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the session collectors; prometheus.DefaultRegisterer when nil.
	Registerer prometheus.Registerer
	// Dialer replaces the websocket dialer.
	Dialer socket.Dialer
	// BaseTransport performs backend HTTP calls; http.DefaultTransport when nil.
	BaseTransport http.RoundTripper
}

// App holds the shared services for one process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	busy         *busy.Counter
	unsubscribe  func()
	client       *crawlapi.Client
	sockets      *socket.Manager
	history      store.SessionRepository
	pgStore      *pgstore.SessionStore
	gcsClient    *storage.Client
	exporter     *report.Exporter
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	progressHub  *progress.Hub
	orchestrator *session.Orchestrator
	apiServer    *api.Server
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Busy returns the process busy indicator.
func (a *App) Busy() *busy.Counter { return a.busy }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orchestrator }

// History returns the session history repository.
func (a *App) History() store.SessionRepository { return a.history }

// Exporter returns the report exporter.
func (a *App) Exporter() *report.Exporter { return a.exporter }

// Handler returns the presentation HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates every service described by cfg. Partially built services are
// released when a later step fails.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("api_base_url", cfg.API.BaseURL),
		zap.String("socket_base_url", cfg.Socket.BaseURL),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	a.busy = busy.New()
	a.unsubscribe = a.busy.Subscribe(metrics.SetBusy)

	if err = a.setupBackend(opts); err != nil {
		return nil, err
	}
	if err = a.setupHistory(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.exporter, err = report.NewExporter(blobs, cfg.Storage.Prefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("report exporter init failed: %w", err)
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx, pub, opts.Registerer); err != nil {
		return nil, err
	}

	a.orchestrator, err = session.New(session.Config{
		FetchConcurrency:  cfg.Session.FetchConcurrency,
		FailedFetchPolicy: session.FailedFetchPolicy(cfg.Session.FailedFetchPolicy),
		ResultFields:      cfg.Session.ResultFields,
		CompletionTypes:   cfg.Session.CompletionTypes,
		Logger:            a.logger,
	}, session.Deps{
		Submitter: a.client,
		Fetcher:   a.client,
		Streams:   a.sockets,
		Busy:      a.busy,
		History:   a.history,
		Events:    a.progressHub,
		IDs:       uuid.New(),
		Now:       system.New().Now,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.orchestrator, a.busy, a.exporter, a.history, logging.Component(a.logger, "api"))
	return a, nil
}

func (a *App) setupBackend(opts Options) error {
	transport := &busy.Transport{
		Base:         opts.BaseTransport,
		Counter:      a.busy,
		ReleaseDelay: a.cfg.Busy.ReleaseDelay,
	}
	var err error
	a.client, err = crawlapi.New(crawlapi.Config{
		BaseURL:      a.cfg.API.BaseURL,
		SubmitPath:   a.cfg.API.SubmitPath,
		ContentPath:  a.cfg.API.ContentPath,
		Timeout:      a.cfg.API.Timeout,
		MaxRetries:   a.cfg.API.MaxRetries,
		RetryInitial: a.cfg.API.RetryInitial,
		Logger:       a.logger,
	}, transport)
	if err != nil {
		return fmt.Errorf("crawl api client init failed: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &socket.GorillaDialer{
			HandshakeTimeout: a.cfg.Socket.HandshakeTimeout,
			WriteTimeout:     a.cfg.Socket.WriteTimeout,
			ReadLimit:        a.cfg.Socket.ReadLimit,
		}
	}
	a.sockets, err = socket.NewManager(socket.Config{
		BaseURL:          a.cfg.Socket.BaseURL,
		PingInterval:     a.cfg.Socket.PingInterval,
		ReconnectDelay:   a.cfg.Socket.ReconnectDelay,
		MaxReconnects:    a.cfg.Socket.MaxReconnects,
		QueueWhileClosed: a.cfg.Socket.QueueWhileClosed,
		SendQueueSize:    a.cfg.Socket.SendQueueSize,
		MessageBuffer:    a.cfg.Socket.MessageBuffer,
		Logger:           a.logger,
	}, dialer, a.busy)
	if err != nil {
		return fmt.Errorf("socket manager init failed: %w", err)
	}
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, keeping session history in memory")
		a.history = memorystorage.NewSessionStore()
		return nil
	}
	pg, err := pgstore.NewSessionStore(ctx, pgstore.SessionStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("session store init failed: %w", err)
	}
	a.pgStore = pg
	a.history = pg
	if a.cfg.DB.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("session store schema failed: %w", err)
		}
	}
	a.logger.Info("session store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (report.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: a.cfg.Storage.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, finished-session notifications disabled")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context, pub publisher.Publisher, reg prometheus.Registerer) error {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(logging.Component(a.logger, "progress_log")),
		progresssinks.NewStoreSink(a.history, logging.Component(a.logger, "progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if pub != nil {
		pubSink, err := progresssinks.NewPublishSink(pub, a.cfg.PubSub.TopicName, logging.Component(a.logger, "progress_publish"))
		if err != nil {
			return fmt.Errorf("progress publish sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Serve runs the presentation server until ctx is canceled, then drains and
// closes every service.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops sessions first, then the sockets, event hub and clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.sockets != nil {
		a.sockets.Shutdown()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}
