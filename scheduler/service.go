package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/worker"
)

// Runner executes one full export run.
type Runner interface {
	RunAll(ctx context.Context) worker.Summary
}

// Config ...
type Config struct {
	// Schedule is a standard five field cron spec or a descriptor like @daily.
	Schedule   string
	RunOnStart bool
	Location   *time.Location
	Runner     Runner
	Log        *logrus.Entry
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Error(msg, ": ", err)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{"event": "cron"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

// Run starts the schedule and returns once it is armed. group is released
// after ctx is canceled and an in-flight run has finished.
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) error {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{log: cfg.Log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	job := cron.FuncJob(func() {
		run(ctx, cfg)
	})
	if _, err := c.AddJob(cfg.Schedule, job); err != nil {
		return fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	cfg.Log.WithFields(logrus.Fields{
		"event":    "start_service",
		"schedule": cfg.Schedule,
	}).Info("scheduler armed")

	group.Add(1)
	go func() {
		defer group.Done()
		if cfg.RunOnStart {
			run(ctx, cfg)
		}
		c.Start()
		for _, entry := range c.Entries() {
			cfg.Log.WithFields(logrus.Fields{
				"event": "next_run",
			}).Info("next run at ", entry.Schedule.Next(time.Now()).In(loc).Format("2006-01-02 15:04:05"))
		}
		<-ctx.Done()
		cfg.Log.WithFields(logrus.Fields{
			"event": "ctx_canceled",
		}).Info("stopping scheduler")
		<-c.Stop().Done()
	}()
	return nil
}

func run(ctx context.Context, cfg *Config) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	summary := cfg.Runner.RunAll(ctx)
	cfg.Log.WithFields(logrus.Fields{
		"event":     "run_finished",
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    len(summary.Failed),
		"elapsed":   time.Since(started).Round(time.Second).String(),
	}).Info("scheduled run finished")
}
