package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/catalog"
	"github.com/freundallein/erpexport/chassis/config"
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/chassis/queue"
	"github.com/freundallein/erpexport/chassis/storage"
	"github.com/freundallein/erpexport/chassis/transport"
	"github.com/freundallein/erpexport/downloader"
	"github.com/freundallein/erpexport/exporter"
	"github.com/freundallein/erpexport/poller"
	"github.com/freundallein/erpexport/resulter"
	"github.com/freundallein/erpexport/submitter"
	"github.com/freundallein/erpexport/worker"
)

// Options ...
type Options struct {
	// Registerer receives the metrics; nil keeps them private.
	Registerer prometheus.Registerer
	// Queue replaces the configured notification queue.
	Queue queue.Client
	// Repository replaces the configured ledger.
	Repository storage.RunRepository
}

// App - every component of the export pipeline, built from one config
type App struct {
	Config     *config.AppConfig
	Metrics    *metrics.Metrics
	Catalog    *catalog.Catalog
	Client     *transport.Client
	Downloader *downloader.Service
	Repository storage.RunRepository
	Worker     *worker.Worker
}

// Build ...
func Build(ctx context.Context, cfg *config.AppConfig, opts Options, log *logrus.Entry) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	m := metrics.New(opts.Registerer)
	chaos := monkey.New(cfg.Transport.ErrorChance, time.Now().UnixNano())

	client := transport.New(transport.Config{
		Timeout:     cfg.Transport.Timeout.D(),
		MaxAttempts: cfg.Transport.Retries,
		RetryDelay:  cfg.Transport.RetryDelay.D(),
		Headers:     cfg.Vendor.Headers,
		RateLimit:   cfg.Transport.RateLimit,
		RateBurst:   cfg.Transport.RateBurst,
		ErrorChance: cfg.Transport.ErrorChance,
	}, m, log.WithField("component", "transport"))

	submit := submitter.New(client, submitter.Config{
		ProcessingCode: cfg.Vendor.ProcessingCode,
	}, m, log.WithField("component", "submitter"))
	poll := poller.New(client, poller.Config{
		HistoryURL:      cfg.Vendor.HistoryURL,
		PageSize:        cfg.Export.PageSize,
		Interval:        cfg.Export.PollInterval.D(),
		Tolerance:       cfg.Export.Tolerance.D(),
		DoneState:       cfg.Vendor.DoneState,
		KnownStates:     cfg.Vendor.KnownStates,
		Location:        loc,
		OperatorStoreID: cfg.Vendor.OperatorStoreID,
		CompanyID:       cfg.Vendor.CompanyID,
		Operator:        cfg.Vendor.Operator,
	}, m, log.WithField("component", "poller"))
	export := exporter.New(submit, poll, exporter.Config{
		Settle:  cfg.Export.Settle.D(),
		MaxWait: cfg.Export.MaxWait.D(),
	}, m, log.WithField("component", "exporter"))
	download := downloader.New(client, downloader.Config{
		Dir: cfg.Downloads.Dir,
	}, m, log.WithField("component", "downloader"))

	repo := opts.Repository
	if repo == nil {
		repo, err = OpenRepository(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
	}

	q := opts.Queue
	queueCfg := queue.Config{
		Name:    cfg.Notify.Queue.Name,
		URL:     cfg.Notify.Queue.URL,
		Retries: cfg.Notify.Queue.Retries,

		//AWS specific
		Region:             cfg.AWS.Region,
		CredentialsFile:    cfg.AWS.CredentialsFile,
		CredentialsProfile: cfg.AWS.CredentialsProfile,
	}
	if q == nil && queueCfg.Enabled() {
		q, err = queue.InitAWSQueue(queueCfg, log.WithField("component", "queue"))
		if err != nil {
			repo.Close()
			return nil, err
		}
	}
	var publisher *resulter.Publisher
	if q != nil {
		publisher = resulter.New(q, chaos, log.WithField("component", "resulter"))
	}

	cat := catalog.New(cfg.Jobs, loc)
	w := worker.New(&worker.Config{
		Catalog:    cat,
		Switches:   cfg.Modules,
		Exporter:   export,
		Downloader: download,
		Repository: repo,
		Publisher:  publisher,
		Metrics:    m,
		Log:        log.WithField("component", "worker"),
	})
	return &App{
		Config:     cfg,
		Metrics:    m,
		Catalog:    cat,
		Client:     client,
		Downloader: download,
		Repository: repo,
		Worker:     w,
	}, nil
}

// OpenRepository connects the PostgreSQL ledger, or an in-memory one when no
// DSN is configured.
func OpenRepository(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (storage.RunRepository, error) {
	if cfg.Storage.DSN == "" {
		log.WithFields(logrus.Fields{
			"event": "init_storage",
		}).Info("no storage dsn, keeping the run ledger in memory")
		return storage.NewMemoryRepository(), nil
	}
	repo, err := storage.InitPGRepository(ctx, storage.Config{DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

// Close ...
func (a *App) Close() {
	a.Repository.Close()
}
