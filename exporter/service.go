package exporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/protocol"
	"github.com/freundallein/erpexport/submitter"
)

// ErrRejected - the vendor refused to create the export job
var ErrRejected = errors.New("export submission rejected")

// Submitter ...
type Submitter interface {
	Submit(ctx context.Context, url string, params map[string]interface{}) submitter.Outcome
}

// Poller ...
type Poller interface {
	Poll(ctx context.Context, moduleName string, since time.Time, maxWait time.Duration) (string, error)
}

// Config ...
type Config struct {
	// Settle is slept between submission and the first poll.
	Settle time.Duration
	// MaxWait is used when the request carries no own budget.
	MaxWait time.Duration
}

// Service runs submit, settle and poll for one request.
type Service struct {
	submitter Submitter
	poller    Poller
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// New ...
func New(s Submitter, p Poller, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Service {
	return &Service{
		submitter: s,
		poller:    p,
		cfg:       cfg,
		now:       time.Now,
		metrics:   metrics.OrNew(m),
		log:       log,
	}
}

// Export returns the download URL of a freshly produced export file.
// Nothing is retried at this level.
func (s *Service) Export(ctx context.Context, req protocol.ExportRequest) (string, error) {
	log := s.log.WithFields(logrus.Fields{
		"job":        req.Job,
		"moduleName": req.ModuleName,
		"prefix":     req.FilePrefix,
	})
	started := s.now()
	defer func() {
		s.metrics.ExportDuration.WithLabelValues(req.Job).Observe(s.now().Sub(started).Seconds())
	}()

	since := s.now()
	outcome := s.submitter.Submit(ctx, req.SubmitURL, req.Params)
	if !outcome.Submitted() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%s: %w", req.ModuleName, ErrRejected)
	}

	if s.cfg.Settle > 0 {
		log.WithFields(logrus.Fields{
			"event":  "export_settle",
			"settle": s.cfg.Settle.String(),
		}).Info("waiting for the vendor to register the task")
		if err := sleep(ctx, s.cfg.Settle); err != nil {
			return "", err
		}
	}

	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = s.cfg.MaxWait
	}
	url, err := s.poller.Poll(ctx, req.ModuleName, since, maxWait)
	if err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"event":   "export_ready",
		"outcome": outcome.String(),
		"url":     url,
	}).Info("export file ready")
	return url, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
