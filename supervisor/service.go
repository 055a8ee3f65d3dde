package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/chassis/storage"
)

// Config ...
type Config struct {
	Repository      storage.RunRepository
	Interval        time.Duration
	StaleTimeout    time.Duration
	RepairBatchSize int
	Expiration      time.Duration
	Chaos           *monkey.Monkey
	Metrics         *metrics.Metrics
	Log             *logrus.Entry
}

// Repair closes runs that stayed active longer than the stale timeout, e.g.
// because the worker was killed mid-export.
func Repair(ctx context.Context, cfg *Config) (int, error) {
	repaired, err := cfg.Repository.RepairStaleRuns(ctx, cfg.StaleTimeout, cfg.RepairBatchSize)
	err = cfg.Chaos.RandomizeError(err)
	if err != nil {
		cfg.Log.WithFields(logrus.Fields{
			"event":  "stale_run_repair_failed",
			"worker": "repair",
		}).Error(err)
		return 0, err
	}
	metrics.OrNew(cfg.Metrics).StaleRuns.Add(float64(repaired))
	cfg.Log.WithFields(logrus.Fields{
		"event":  "stale_run_repair",
		"worker": "repair",
	}).Info("select and repair stale runs: ", repaired)
	return repaired, nil
}

// Clean deletes finished runs older than the expiration.
func Clean(ctx context.Context, cfg *Config) (int, error) {
	cleaned, err := cfg.Repository.CleanOldRuns(ctx, cfg.Expiration)
	err = cfg.Chaos.RandomizeError(err)
	if err != nil {
		cfg.Log.WithFields(logrus.Fields{
			"event":  "clean_table_failed",
			"worker": "db_cleaner",
		}).Error(err)
		return 0, err
	}
	metrics.OrNew(cfg.Metrics).CleanedRuns.Add(float64(cleaned))
	cfg.Log.WithFields(logrus.Fields{
		"event":  "clean_table",
		"worker": "db_cleaner",
	}).Info("cleaned rows: ", cleaned)
	return cleaned, nil
}

func loop(ctx context.Context, cfg *Config, name string, step func(context.Context, *Config) (int, error), group *sync.WaitGroup) {
	defer group.Done()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cfg.Log.WithFields(logrus.Fields{
				"event":  "ctx_canceled",
				"worker": name,
			}).Info("exit goroutine")
			return
		case <-ticker.C:
			step(ctx, cfg)
		}
	}
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	cfg.Log.WithFields(logrus.Fields{
		"event": "start_service",
	}).Info("starting supervisor with ", cfg.StaleTimeout, " stale timeout and ", cfg.Expiration, " expiration time")
	group.Add(2)
	go loop(ctx, cfg, "repair", Repair, group)
	go loop(ctx, cfg, "db_cleaner", Clean, group)
}
