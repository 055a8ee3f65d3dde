package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/protocol"
	"github.com/freundallein/erpexport/chassis/storage"
	"github.com/freundallein/erpexport/resulter"
)

// Execute runs export, download and notification for one request and keeps
// its ledger row current. Ledger and notification failures are logged, they
// never fail an export whose file is on disk.
func (w *Worker) Execute(ctx context.Context, req protocol.ExportRequest) Result {
	run := &ledgerRun{Run: &storage.Run{
		Job:        req.Job,
		ModuleName: req.ModuleName,
		FilePrefix: req.FilePrefix,
	}}
	if err := w.cfg.Repository.Begin(ctx, run.Run); err != nil {
		w.log.WithFields(logrus.Fields{
			"event": "run_begin_failed",
			"job":   req.Job,
		}).Error(err)
	} else {
		run.tracked = true
	}
	log := w.log.WithFields(logrus.Fields{
		"runID":  run.ID,
		"job":    req.Job,
		"prefix": req.FilePrefix,
	})
	result := Result{Request: req, RunID: run.ID}

	url, err := w.cfg.Exporter.Export(ctx, req)
	if err != nil {
		return w.fail(ctx, log, run, result, err)
	}
	run.State = storage.DOWNLOADING
	run.DownloadURL = url
	w.update(ctx, log, run)

	file, err := w.cfg.Downloader.Download(ctx, url, req.ModuleName, req.FilePrefix)
	if err != nil {
		return w.fail(ctx, log, run, result, err)
	}
	result.File = file

	err = w.cfg.Publisher.Publish(ctx, &resulter.Message{
		RunID:      run.ID,
		Job:        req.Job,
		ModuleName: req.ModuleName,
		FilePrefix: req.FilePrefix,
		Path:       file.Path,
		Size:       file.Size,
		URL:        url,
		CreatedAt:  file.CreatedAt,
	})
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "notify_failed",
		}).Warn(err)
	}

	run.State = storage.SUCCESS
	run.Path = file.Path
	run.Size = file.Size
	w.update(ctx, log, run)
	w.metrics.Exports.WithLabelValues(req.Job, "success").Inc()
	log.WithFields(logrus.Fields{
		"event": "export_succeeded",
		"path":  file.Path,
	}).Info("export stored")
	return result
}

// ledgerRun is a run whose row may be missing when Begin failed.
type ledgerRun struct {
	*storage.Run
	tracked bool
}

func (w *Worker) fail(ctx context.Context, log *logrus.Entry, run *ledgerRun, result Result, err error) Result {
	result.Err = err
	run.State = storage.ERROR
	run.Error = err.Error()
	w.update(ctx, log, run)
	w.metrics.Exports.WithLabelValues(run.Job, "error").Inc()
	log.WithFields(logrus.Fields{
		"event": "export_failed",
	}).Error(err)
	return result
}

func (w *Worker) update(ctx context.Context, log *logrus.Entry, run *ledgerRun) {
	if !run.tracked {
		return
	}
	// the ledger write must land even when the run was interrupted
	err := w.cfg.Repository.Update(context.WithoutCancel(ctx), run.Run)
	if errors.Is(err, storage.ErrNotActive) {
		log.WithFields(logrus.Fields{
			"event": "run_closed",
			"state": run.State,
		}).Warn("run was closed by the supervisor")
		return
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "run_update_failed",
			"state": run.State,
		}).Error(err)
	}
}
