package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/dispatchry/internal/api"
	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/campaign"
	"github.com/foxzi/dispatchry/internal/config"
	"github.com/foxzi/dispatchry/internal/customer"
	"github.com/foxzi/dispatchry/internal/dispatch"
	"github.com/foxzi/dispatchry/internal/events"
	"github.com/foxzi/dispatchry/internal/metrics"
	"github.com/foxzi/dispatchry/internal/sandbox"
	"github.com/foxzi/dispatchry/internal/template"
	"github.com/foxzi/dispatchry/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	version       string
	store         *batch.BoltStorage
	events        events.Publisher
	scheduler     *dispatch.Scheduler
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	cleaner       *sandbox.Cleaner
	logger        *slog.Logger
	logFile       io.Closer

	// sends run on their own context so that a shutdown signal lets
	// in-flight batches finish until the shutdown deadline
	sendCtx     context.Context
	cancelSends context.CancelFunc
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger, logFile := setupLogger(cfg.Logging)

	store, err := batch.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:  cfg,
		version: version,
		store:   store,
		logger:  logger,
		logFile: logFile,
	}
	if err := a.build(); err != nil {
		store.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger
	db := a.store.DB()

	templates, err := template.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create template storage: %w", err)
	}
	customers, err := customer.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create customer storage: %w", err)
	}

	var outbox *sandbox.Storage
	if cfg.Transport.Type == config.TransportSandbox {
		outbox, err = sandbox.NewStorage(db)
		if err != nil {
			return fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		a.cleaner = sandbox.NewCleaner(outbox, sandbox.CleanerConfig{
			MaxAge:   cfg.Transport.Sandbox.Retention,
			MaxCount: cfg.Transport.Sandbox.MaxMessages,
			Interval: cfg.Transport.Sandbox.CleanupInterval,
		}, logger.With("component", "sandbox_cleaner"))
	}

	t, err := newTransport(cfg.Transport, outbox, logger.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	logger.Info("transport configured", "type", t.Name())

	a.events = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		eventsLogger := logger.With("component", "events")
		pub, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:         cfg.Events.AMQPURL,
			Exchange:    cfg.Events.Exchange,
			Queue:       cfg.Events.Queue,
			DialTimeout: cfg.Events.DialTimeout,
		}, eventsLogger)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		a.events = events.NewBuffered(pub, cfg.Events.BufferSize, eventsLogger)
		logger.Info("event publishing enabled", "exchange", cfg.Events.Exchange, "queue", cfg.Events.Queue)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(db, m, a.store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
	}

	sender := dispatch.NewSender(a.store, t, a.events, dispatch.SenderConfig{
		SendTimeout:   cfg.Dispatch.SendTimeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
	}, logger.With("component", "sender"))

	a.scheduler = dispatch.NewScheduler(a.store, sender, a.events, dispatch.SchedulerConfig{
		Lanes:        cfg.Dispatch.Lanes,
		PollInterval: cfg.Dispatch.PollInterval,
	}, logger.With("component", "scheduler"))

	estimator := batch.NewEstimator(batch.EstimatorConfig{
		SplitOverhead:     cfg.Estimate.SplitOverhead,
		PerBatchSplitCost: cfg.Estimate.PerBatchSplitCost,
		PerMessage:        cfg.Estimate.PerMessage,
		BatchSpacing:      cfg.Estimate.BatchSpacing,
		PollInterval:      cfg.Dispatch.PollInterval,
	})

	rescheduler := dispatch.NewRescheduler(a.store, a.events, logger.With("component", "rescheduler"))

	campaigns := campaign.NewService(a.store, templates, customers, estimator, rescheduler,
		logger.With("component", "campaign"))

	a.apiServer = api.NewServer(api.Options{
		Campaigns: campaigns,
		Templates: templates,
		Customers: customers,
		Sandbox:   outbox,
		Config:    &cfg.API,
		Version:   a.version,
		Logger:    logger.With("component", "api"),
	})

	return nil
}

// newTransport builds the configured delivery channel. In sandbox redirect
// mode the real channel is wrapped by the capturing transport.
func newTransport(cfg config.TransportConfig, outbox *sandbox.Storage, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Type {
	case config.TransportWebhook:
		return newWebhook(cfg.Webhook)
	case config.TransportSMTP:
		return newSMTP(cfg.SMTP)
	case config.TransportSandbox:
		st := sandbox.NewTransport(outbox, logger)
		st.SetErrorSimulation(cfg.Sandbox.SimulateErrors, cfg.Sandbox.ErrorProbability)
		st.SetDelay(cfg.Sandbox.Delay)

		var real transport.Transport
		var err error
		switch cfg.Sandbox.RedirectVia {
		case "":
		case config.TransportWebhook:
			real, err = newWebhook(cfg.Webhook)
		case config.TransportSMTP:
			real, err = newSMTP(cfg.SMTP)
		default:
			err = fmt.Errorf("unknown redirect transport %q", cfg.Sandbox.RedirectVia)
		}
		if err != nil {
			return nil, err
		}
		if real != nil {
			st.SetRedirect(real, cfg.Sandbox.RedirectPhone, cfg.Sandbox.RedirectEmail)
			logger.Info("sandbox redirect enabled",
				"via", real.Name(),
				"phone", cfg.Sandbox.RedirectPhone,
				"email", cfg.Sandbox.RedirectEmail,
			)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

func newWebhook(cfg config.WebhookConfig) (transport.Transport, error) {
	return transport.NewWebhookTransport(transport.WebhookConfig{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	})
}

func newSMTP(cfg config.SMTPConfig) (transport.Transport, error) {
	return transport.NewSMTPTransport(transport.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		Subject:  cfg.Subject,
		Hostname: cfg.Hostname,
		StartTLS: cfg.StartTLS,
		Timeout:  cfg.Timeout,
	})
}

// Run recovers interrupted batches, starts all components and waits for
// shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dispatchry",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"lanes", a.config.Dispatch.Lanes,
	)

	recovered, err := dispatch.Recover(ctx, a.store, a.events, a.logger.With("component", "recovery"))
	if err != nil {
		return fmt.Errorf("failed to recover batches: %w", err)
	}
	if len(recovered) > 0 {
		a.logger.Warn("recovered interrupted batches", "count", len(recovered))
	}

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.sendCtx, a.cancelSends = context.WithCancel(context.WithoutCancel(ctx))
	a.scheduler.Start(a.sendCtx)

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components. Batches still sending
// when the deadline passes stop before their next recipient and are
// recovered on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		a.scheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown deadline reached, interrupting in-flight batches", "busy_lanes", a.scheduler.Busy())
		if a.cancelSends != nil {
			a.cancelSends()
		}
		<-stopped
	}
	if a.cancelSends != nil {
		a.cancelSends()
	}

	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persists final counter values
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.events.Close(); err != nil {
		a.logger.Error("event publisher close error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")

	if a.logFile != nil {
		a.logFile.Close()
	}
	return nil
}

// setupLogger creates a logger based on configuration. When a log file is
// configured the returned closer releases it.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = lj
		closer = lj
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
