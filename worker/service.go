package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/catalog"
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/protocol"
	"github.com/freundallein/erpexport/chassis/storage"
	"github.com/freundallein/erpexport/downloader"
	"github.com/freundallein/erpexport/resulter"
)

// Exporter ...
type Exporter interface {
	Export(ctx context.Context, req protocol.ExportRequest) (string, error)
}

// Downloader ...
type Downloader interface {
	Download(ctx context.Context, url, moduleName, prefix string) (*downloader.File, error)
}

// Config ...
type Config struct {
	Catalog    *catalog.Catalog
	Switches   catalog.Switches
	Exporter   Exporter
	Downloader Downloader
	Repository storage.RunRepository
	Publisher  *resulter.Publisher
	Metrics    *metrics.Metrics
	Log        *logrus.Entry
}

// Result of one export request
type Result struct {
	Request protocol.ExportRequest
	RunID   string
	File    *downloader.File
	Err     error
}

// Summary of a worker run
type Summary struct {
	Total     int
	Succeeded int
	Failed    []string
	Results   []Result
}

// OK reports whether at least one request ran and none failed.
func (s Summary) OK() bool {
	return s.Total > 0 && len(s.Failed) == 0
}

// Err is nil when no export failed. A run with no enabled module is not an
// error, Print already warns about it.
func (s Summary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d exports failed", len(s.Failed), s.Total)
}

func (s *Summary) add(r Result) {
	s.Total++
	s.Results = append(s.Results, r)
	if r.Err != nil {
		s.Failed = append(s.Failed, r.Request.FilePrefix)
		return
	}
	s.Succeeded++
}

// Print writes the human readable run summary.
func (s Summary) Print(w io.Writer) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "total: %d\n", s.Total)
	fmt.Fprintf(w, "succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "failed: %d\n", len(s.Failed))
	if len(s.Failed) > 0 {
		fmt.Fprintf(w, "failed exports: %s\n", strings.Join(s.Failed, ", "))
	}
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(w, "  [FAIL] %s: %v\n", r.Request.FilePrefix, r.Err)
		} else {
			fmt.Fprintf(w, "  [ OK ] %s -> %s\n", r.Request.FilePrefix, r.File.Path)
		}
	}
	switch {
	case s.Total == 0:
		fmt.Fprintln(w, "no module enabled, check the modules section")
	case s.OK():
		fmt.Fprintln(w, "all exports succeeded")
	default:
		fmt.Fprintln(w, "some exports failed, see the log")
	}
	fmt.Fprintln(w, line)
}

// Worker executes export jobs one request at a time.
type Worker struct {
	cfg     *Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logrus.Entry
}

// New ...
func New(cfg *Config) *Worker {
	if cfg.Repository == nil {
		cfg.Repository = storage.NewMemoryRepository()
	}
	return &Worker{
		cfg:     cfg,
		metrics: metrics.OrNew(cfg.Metrics),
		now:     time.Now,
		log:     cfg.Log,
	}
}

// RunAll executes every enabled module switch in configuration order.
func (w *Worker) RunAll(ctx context.Context) Summary {
	enabled := w.cfg.Switches.Enabled()
	w.log.WithFields(logrus.Fields{
		"event":   "start_run",
		"modules": len(enabled),
	}).Info("starting export run")
	summary := Summary{}
	for _, sw := range enabled {
		if ctx.Err() != nil {
			break
		}
		w.runJob(ctx, sw.Name, sw.Setting, &summary)
	}
	w.finish(summary)
	return summary
}

// RunJobs executes the named jobs, using their module switch when one is
// enabled and the job defaults otherwise.
func (w *Worker) RunJobs(ctx context.Context, names []string) Summary {
	summary := Summary{}
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		setting := catalog.Setting{Kind: catalog.EnabledWithDefaults}
		if sw, ok := w.cfg.Switches.Find(name); ok && sw.Setting.Enabled() {
			setting = sw.Setting
		}
		w.runJob(ctx, name, setting, &summary)
	}
	w.finish(summary)
	return summary
}

func (w *Worker) runJob(ctx context.Context, name string, setting catalog.Setting, summary *Summary) {
	requests, err := w.cfg.Catalog.Requests(name, setting, w.now())
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"event": "build_requests_failed",
			"job":   name,
		}).Error(err)
		w.metrics.Exports.WithLabelValues(name, "error").Inc()
		summary.add(Result{Request: protocol.ExportRequest{Job: name, FilePrefix: name}, Err: err})
		return
	}
	for i, req := range requests {
		if ctx.Err() != nil {
			return
		}
		w.log.WithFields(logrus.Fields{
			"event":  "start_export",
			"job":    name,
			"prefix": req.FilePrefix,
			"step":   fmt.Sprintf("%d/%d", i+1, len(requests)),
		}).Info("export ", req.ModuleName)
		summary.add(w.Execute(ctx, req))
	}
}

func (w *Worker) finish(summary Summary) {
	w.log.WithFields(logrus.Fields{
		"event":     "finish_run",
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    len(summary.Failed),
	}).Info("export run finished")
}
