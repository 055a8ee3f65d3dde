package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/protocol"
)

var (
	// ErrTimeout - max wait elapsed without a completed matching task
	ErrTimeout = errors.New("export task did not complete in time")
	// ErrCompletedWithoutURL - the matched task finished but carries no download URL
	ErrCompletedWithoutURL = errors.New("export task completed without download url")
)

// Fetcher posts with transport-level retries.
type Fetcher interface {
	PostJSON(ctx context.Context, url string, body, out interface{}) error
}

// Config ...
type Config struct {
	HistoryURL      string
	PageSize        int
	Interval        time.Duration
	Tolerance       time.Duration
	DoneState       int
	KnownStates     []int
	Location        *time.Location
	OperatorStoreID int64
	CompanyID       int64
	Operator        string
}

// Service polls the vendor's export task history.
type Service struct {
	fetcher Fetcher
	cfg     Config
	matcher Matcher
	known   map[int]bool
	now     func() time.Time
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New ...
func New(fetcher Fetcher, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	known := make(map[int]bool, len(cfg.KnownStates)+1)
	for _, state := range cfg.KnownStates {
		known[state] = true
	}
	known[cfg.DoneState] = true
	return &Service{
		fetcher: fetcher,
		cfg:     cfg,
		matcher: Matcher{
			Tolerance: cfg.Tolerance,
			DoneState: cfg.DoneState,
			Location:  cfg.Location,
		},
		known:   known,
		now:     time.Now,
		metrics: metrics.OrNew(m),
		log:     log,
	}
}

// Poll waits until the task submitted at since for moduleName completes and
// returns its download URL. maxWait bounds the polling itself, not the age of
// the remote job.
func (s *Service) Poll(ctx context.Context, moduleName string, since time.Time, maxWait time.Duration) (string, error) {
	log := s.log.WithFields(logrus.Fields{
		"moduleName": moduleName,
	})
	log.WithFields(logrus.Fields{
		"event":   "poll_start",
		"since":   since.In(s.cfg.Location).Format(protocol.CreateTimeLayout),
		"maxWait": maxWait.String(),
	}).Info("start polling export task history")

	deadline := s.now().Add(maxWait)
	flagged := map[string]bool{}
	for attempt := 1; ; attempt++ {
		if !s.now().Before(deadline) {
			return "", s.timeout(log, moduleName, maxWait, attempt-1)
		}
		iterLog := log.WithFields(logrus.Fields{"attempt": attempt})

		// transport retries must not outlive the polling budget
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		records, err := s.fetch(fetchCtx, since)
		expired := fetchCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if expired {
				return "", s.timeout(log, moduleName, maxWait, attempt)
			}
			s.metrics.Polls.WithLabelValues("fetch_failed").Inc()
			iterLog.WithFields(logrus.Fields{
				"event": "history_fetch_failed",
			}).Warn(err)
		} else {
			outcome := s.matcher.Evaluate(records, moduleName, since)
			s.metrics.Polls.WithLabelValues(outcome.Kind.String()).Inc()
			switch outcome.Kind {
			case Complete:
				iterLog.WithFields(logrus.Fields{
					"event": "task_complete",
					"task":  outcome.Record.String(),
					"url":   outcome.URL,
				}).Info("export task complete")
				return outcome.URL, nil
			case CompleteNoURL:
				iterLog.WithFields(logrus.Fields{
					"event": "task_complete_no_url",
					"task":  outcome.Record.String(),
				}).Error("export task complete but no download url")
				return "", fmt.Errorf("%s: %w", moduleName, ErrCompletedWithoutURL)
			case InProgress:
				s.flagUnknownState(iterLog, outcome.Record, flagged)
				iterLog.WithFields(logrus.Fields{
					"event":   "task_in_progress",
					"task":    outcome.Record.String(),
					"matches": outcome.Matches,
				}).Infof("export task in progress: %.0f%%", outcome.Percent)
			case NoMatch:
				iterLog.WithFields(logrus.Fields{
					"event":   "task_not_found",
					"visible": len(records),
				}).Info("no matching task yet")
			default:
				iterLog.WithFields(logrus.Fields{
					"event": "history_empty",
				}).Warn("task history is empty")
			}
		}

		if err := s.sleep(ctx, deadline); err != nil {
			return "", err
		}
	}
}

func (s *Service) timeout(log *logrus.Entry, moduleName string, maxWait time.Duration, attempts int) error {
	s.metrics.Polls.WithLabelValues("timeout").Inc()
	log.WithFields(logrus.Fields{
		"event":    "poll_timeout",
		"attempts": attempts,
	}).Error("export task did not complete within ", maxWait)
	return fmt.Errorf("%s after %s: %w", moduleName, maxWait, ErrTimeout)
}

func (s *Service) fetch(ctx context.Context, since time.Time) ([]protocol.TaskRecord, error) {
	now := s.now()
	nowISO := now.UTC().Format("2006-01-02T15:04:05.000Z")
	request := protocol.HistoryRequest{
		OperatorStoreID: s.cfg.OperatorStoreID,
		CompanyID:       s.cfg.CompanyID,
		Operator:        s.cfg.Operator,
		PageNumber:      0,
		PageSize:        s.cfg.PageSize,
		CreateTime: []string{
			since.In(s.cfg.Location).Format("2006-01-02"),
			now.In(s.cfg.Location).Format("2006-01-02"),
		},
		StartTime: nowISO,
		EndTime:   nowISO,
		TimeDesc:  0,
	}
	var response protocol.HistoryResponse
	if err := s.fetcher.PostJSON(ctx, s.cfg.HistoryURL, request, &response); err != nil {
		return nil, err
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("task history answered code=%d msg=%s", response.Code, response.Msg)
	}
	return response.Data.Content, nil
}

// flagUnknownState logs an undocumented state once per task. The task keeps
// being treated as in progress.
func (s *Service) flagUnknownState(log *logrus.Entry, record *protocol.TaskRecord, flagged map[string]bool) {
	if s.known[record.State] {
		return
	}
	key := record.Name + "|" + record.ModuleName + "|" + record.CreateTime
	if flagged[key] {
		return
	}
	flagged[key] = true
	s.metrics.UnknownStates.Inc()
	log.WithFields(logrus.Fields{
		"event": "unknown_task_state",
		"state": record.State,
		"task":  record.String(),
	}).Warn("matched task reports an undocumented state, still waiting")
}

func (s *Service) sleep(ctx context.Context, deadline time.Time) error {
	wait := s.cfg.Interval
	if remaining := deadline.Sub(s.now()); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
