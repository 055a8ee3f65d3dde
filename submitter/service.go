package submitter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/protocol"
)

// Outcome - interpreted result of one job-creation call
type Outcome int

const (
	// Rejected - the vendor refused the job
	Rejected Outcome = iota
	// Accepted - code 0
	Accepted
	// AlreadyProcessing - an identical job is running remotely
	AlreadyProcessing
	// Assumed - no usable answer; the job may have started anyway
	Assumed
)

// Submitted reports whether polling should follow.
func (o Outcome) Submitted() bool {
	return o != Rejected
}

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyProcessing:
		return "already_processing"
	case Assumed:
		return "assumed"
	default:
		return "rejected"
	}
}

// Poster sends one request without retrying it.
type Poster interface {
	PostJSONOnce(ctx context.Context, url string, body, out interface{}) error
}

// Config ...
type Config struct {
	// ProcessingCode is the vendor's "export already in progress" answer.
	ProcessingCode int
}

// Service submits export jobs.
type Service struct {
	poster         Poster
	processingCode int
	metrics        *metrics.Metrics
	log            *logrus.Entry
}

// New ...
func New(poster Poster, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Service {
	return &Service{
		poster:         poster,
		processingCode: cfg.ProcessingCode,
		metrics:        metrics.OrNew(m),
		log:            log,
	}
}

// Submit fires exactly one job-creation request.
//
// A failed or unreadable answer counts as submitted: the poller times out
// cheaply on a job that never started, while failing here could abandon a job
// that did.
func (s *Service) Submit(ctx context.Context, url string, params map[string]interface{}) Outcome {
	s.log.WithFields(logrus.Fields{
		"event": "submit_export",
		"url":   url,
	}).Info("submit export task")
	s.log.WithFields(logrus.Fields{
		"event":  "submit_params",
		"params": params,
	}).Debug("export params")

	var response protocol.SubmitResponse
	err := s.poster.PostJSONOnce(ctx, url, params, &response)
	outcome := s.interpret(ctx, err, &response)
	s.metrics.Submissions.WithLabelValues(outcome.String()).Inc()

	fields := logrus.Fields{
		"event":   "submit_result",
		"url":     url,
		"outcome": outcome.String(),
	}
	switch outcome {
	case Accepted:
		s.log.WithFields(fields).Info("export task submitted")
	case AlreadyProcessing:
		s.log.WithFields(fields).Info("export task already processing")
	case Assumed:
		s.log.WithFields(fields).Warn("no usable submit response, assuming the task started: ", err)
	default:
		if err != nil {
			s.log.WithFields(fields).Error(err)
		} else {
			s.log.WithFields(fields).Error("export task rejected: ", response.String())
		}
	}
	return outcome
}

func (s *Service) interpret(ctx context.Context, err error, response *protocol.SubmitResponse) Outcome {
	if err != nil {
		if ctx.Err() != nil {
			return Rejected
		}
		return Assumed
	}
	switch response.Code {
	case 0:
		return Accepted
	case s.processingCode:
		return AlreadyProcessing
	default:
		return Rejected
	}
}
