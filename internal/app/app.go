package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/api"
	"bridgewatch/internal/config"
	"bridgewatch/internal/engine"
	"bridgewatch/internal/estimator"
	"bridgewatch/internal/notary"
	"bridgewatch/internal/queue"
	"bridgewatch/internal/scheduler"
	"bridgewatch/internal/storage"
	"bridgewatch/internal/validator"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRepository falls back to the in-memory repository when no DSN is set.
func (a *App) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn 未配置，状态仅保存在内存中")
		return storage.NewMemory(), func() {}, nil
	}
	if err := store.Ping(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	return store, closeStore, nil
}

func (a *App) newAnchor() (notary.Anchor, func(), error) {
	cfg := a.Config.Notary
	switch cfg.Mode {
	case config.NotaryHTTP:
		anchor := notary.NewHTTPAnchor(notary.HTTPOptions{
			BaseURL:   cfg.HTTP.BaseURL,
			Path:      cfg.HTTP.Path,
			APIKey:    cfg.HTTP.APIKey,
			Timeout:   cfg.HTTP.RequestTimeout,
			UserAgent: cfg.HTTP.UserAgent,
		}, a.Logger)
		return anchor, func() {}, nil
	case config.NotaryEthereum:
		anchor, err := notary.NewEthereumAnchor(notary.EthereumOptions{
			RPCURL:     cfg.Ethereum.RPCURL,
			PrivateKey: cfg.Ethereum.PrivateKey,
			ToAddress:  cfg.Ethereum.ToAddress,
			ChainID:    cfg.Ethereum.ChainID,
			GasLimit:   cfg.Ethereum.GasLimit,
			Timeout:    cfg.Ethereum.RequestTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Info().Str("from", anchor.From().Hex()).Msg("on-chain anchoring enabled")
		return anchor, anchor.Close, nil
	default:
		return nil, func() {}, nil
	}
}

func (a *App) newNotifier() (alerting.Notifier, func()) {
	if !a.Config.Alerting.Notify {
		return nil, func() {}
	}

	var notifiers alerting.MultiNotifier
	closers := make([]func(), 0, 1)

	if hook := a.Config.Alerting.Webhook; hook.Enabled {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(hook.URL, hook.Secret, hook.Timeout, a.Logger))
	}
	if k := a.Config.Kafka; k.Enabled && k.AlertsTopic != "" {
		producer := queue.NewProducer(k.Brokers, k.AlertsTopic)
		notifiers = append(notifiers, producer)
		closers = append(closers, func() {
			if err := producer.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka producer")
			}
		})
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(notifiers) {
	case 0:
		a.Logger.Warn().Msg("alerting.notify 已开启但未配置任何告警通道")
		return nil, closeAll
	case 1:
		return notifiers[0], closeAll
	default:
		return notifiers, closeAll
	}
}

func (a *App) engineOptions() engine.Options {
	c := a.Config
	return engine.Options{
		Validation: validator.Options{
			MaxClockSkew:     c.Validation.MaxClockSkew,
			RetentionHorizon: c.Validation.RetentionHorizon,
		},
		Estimator: estimator.Options{
			FrequencyWeight:       c.Estimator.FrequencyWeight,
			AmplitudeWeight:       c.Estimator.AmplitudeWeight,
			AlphaMin:              c.Estimator.AlphaMin,
			AlphaMax:              c.Estimator.AlphaMax,
			AlphaTau:              c.Estimator.AlphaTau,
			ConfidenceCap:         c.Estimator.ConfidenceCap,
			ConfidenceCountScale:  c.Estimator.ConfidenceCountScale,
			ConfidenceSpreadScale: c.Estimator.ConfidenceSpreadScale,
		},
		Margin:          c.Classifier.Margin,
		TrendWindow:     c.Trend.Window,
		TrendDecline:    c.Trend.Decline,
		HistoryCapacity: c.Baseline.HistoryCapacity,
		ResolvedLimit:   c.Alerting.ResolvedHistory,
		Notary: engine.QueueOptions{
			Workers:        c.Notary.Workers,
			Size:           c.Notary.QueueSize,
			InitialBackoff: c.Notary.InitialBackoff,
			MaxBackoff:     c.Notary.MaxBackoff,
			MaxAttempts:    c.Notary.MaxAttempts,
			AttemptTimeout: c.Notary.AttemptTimeout,
		},
		Writes: engine.QueueOptions{
			Size: c.Database.WriteQueueSize,
		},
		Notifications: engine.QueueOptions{
			Workers: c.Alerting.NotifyWorkers,
			Size:    c.Alerting.NotifyQueueSize,
		},
	}
}

// Run executes the long-running engine service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	anchor, closeAnchor, err := a.newAnchor()
	if err != nil {
		return err
	}
	defer closeAnchor()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	opts := a.engineOptions()
	opts.Repository = repo
	opts.Anchor = anchor
	opts.Notifier = notifier
	eng := engine.New(opts, a.Logger)

	if _, err := eng.Bootstrap(ctx, a.Config.Assets); err != nil {
		_ = eng.Close(context.Background())
		return fmt.Errorf("bootstrap engine: %w", err)
	}

	sched, err := scheduler.New(scheduler.Options{
		Name:         "checkpoint",
		Interval:     a.Config.Checkpoint.Interval,
		AlignToStart: a.Config.Checkpoint.AlignToBucket,
		StartupDelay: a.Config.Checkpoint.StartupDelay,
	}, a.Logger)
	if err != nil {
		_ = eng.Close(context.Background())
		return err
	}

	var locker storage.AdvisoryLocker
	if l, ok := repo.(storage.AdvisoryLocker); ok {
		locker = l
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	launch := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Str("task", name).Msg("task terminated with error")
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	launch("checkpoint", func() error {
		return sched.Run(ctx, a.checkpointJob(eng, locker))
	})

	if a.Config.Kafka.Enabled {
		k := a.Config.Kafka
		consumer := queue.NewConsumer(k.Brokers, k.SamplesTopic, k.GroupID)
		ingestor := queue.NewSampleIngestor(consumer, eng, a.Logger)
		launch("kafka", func() error {
			defer consumer.Close()
			return ingestor.Run(ctx)
		})
	}

	var server *http.Server
	if a.Config.HTTP.Enabled {
		server = &http.Server{
			Addr: a.Config.HTTP.Addr,
			Handler: api.NewRouter(eng, api.Options{
				MaxBodyBytes: a.Config.HTTP.MaxBodyBytes,
				MaxBatch:     a.Config.HTTP.MaxBatch,
				APIKeys:      a.Config.HTTP.APIKeys,
			}, a.Logger),
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}
		launch("http", func() error {
			a.Logger.Info().Str("addr", server.Addr).Msg("http server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	a.Logger.Info().Int("assets", len(eng.ListAssets())).Msg("starting bridge health engine")
	<-ctx.Done()
	a.Logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
	defer cancelShutdown()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("http shutdown")
		}
	}
	wg.Wait()

	var errs []error
	if err := eng.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	close(errCh)
	for err := range errCh {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		a.Logger.Error().Err(err).Msg("engine stopped with errors")
		return err
	}
	a.Logger.Info().Msg("bridge health engine stopped")
	return nil
}

// checkpointJob persists dirty states and prunes old alerts. With a shared
// database only the advisory lock holder writes.
func (a *App) checkpointJob(eng *engine.Engine, locker storage.AdvisoryLocker) scheduler.Job {
	return func(ctx context.Context, at time.Time) error {
		if locker != nil {
			unlock, acquired, err := locker.TryAdvisoryLock(ctx, a.Config.Checkpoint.AdvisoryLockKey)
			if err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !acquired {
				a.Logger.Debug().Time("at", at).Msg("skip checkpoint because advisory lock held elsewhere")
				return nil
			}
			defer unlock()
		}

		if err := eng.Checkpoint(ctx); err != nil {
			return err
		}
		_, err := eng.PruneAlerts(ctx, a.Config.Checkpoint.AlertRetention)
		return err
	}
}

// ExportOptions hold parameters for exporting an asset's SHI history.
type ExportOptions struct {
	AssetID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show and alerts commands.
type ShowOptions struct {
	Limit int
	All   bool
}

// ReplayOptions configure a replay run.
type ReplayOptions struct {
	Path string
	// Unknown asset ids are registered with this signature when both are positive.
	BaselineFrequency float64
	BaselineAmplitude float64
}

// SimulateOptions describe a one-off scenario.
type SimulateOptions struct {
	AssetFrequency float64
	AssetAmplitude float64
	Frequency      float64
	Amplitude      float64
	Count          int
	Notify         bool
}
