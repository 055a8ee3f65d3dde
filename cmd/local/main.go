package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/app"
	"github.com/freundallein/erpexport/chassis/config"
	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/chassis/queue"
	"github.com/freundallein/erpexport/vendorsim"
)

// Runs every enabled module against an in-process vendor simulator.
func main() {
	appCfg, err := config.Read()
	if err != nil {
		logging.New("local", "debug").WithFields(logrus.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log := logging.New("local", appCfg.LogLevel("worker"))
	loc, _ := appCfg.Location()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "listen_failed",
		}).Fatal(err)
	}
	sim := vendorsim.New(vendorsim.Config{Location: loc}, log.WithField("component", "vendorsim"))
	srv := &http.Server{Handler: sim}
	go srv.Serve(listener)
	base := "http://" + listener.Addr().String()

	appCfg.Vendor.HistoryURL = base + vendorsim.HistoryPath
	for name, job := range appCfg.Jobs {
		job.URL = base + sim.Register(name, job.ModuleName)
		appCfg.Jobs[name] = job
	}
	appCfg.Export.Settle = config.Duration(100 * time.Millisecond)
	appCfg.Export.PollInterval = config.Duration(200 * time.Millisecond)
	log.WithFields(logrus.Fields{
		"event": "init_service",
		"addr":  base,
	}).Info("vendor simulator started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	q := &queue.MemoryQueue{}
	a, err := app.Build(ctx, appCfg, app.Options{Queue: q}, log)
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "init_app_failed",
		}).Fatal(err)
	}
	summary := a.Worker.RunAll(ctx)
	summary.Print(os.Stdout)
	submits, fetches := sim.Stats()
	log.WithFields(logrus.Fields{
		"event":    "local_run_finished",
		"submits":  submits,
		"fetches":  fetches,
		"messages": len(q.Messages()),
	}).Info("local run finished")
	a.Close()
	srv.Close()
	if !summary.OK() {
		os.Exit(1)
	}
}
