package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/app"
	"github.com/freundallein/erpexport/chassis/config"
	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/scheduler"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		logging.New("scheduler", "info").WithFields(logrus.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log := logging.New("scheduler", appCfg.LogLevel("scheduler"))
	log.WithFields(logrus.Fields{
		"event": "init_service",
	}).Info("service initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	a, err := app.Build(ctx, appCfg, app.Options{Registerer: reg}, log)
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "init_app_failed",
		}).Fatal(err)
	}
	defer a.Close()
	loc, _ := appCfg.Location()
	cfg := &scheduler.Config{
		Schedule:   appCfg.Scheduler.Schedule,
		RunOnStart: appCfg.Scheduler.RunOnStart,
		Location:   loc,
		Runner:     a.Worker,
		Log:        log,
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	if err := scheduler.Run(ctx, cfg, &group); err != nil {
		log.WithFields(logrus.Fields{
			"event": "init_schedule_failed",
		}).Fatal(err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    appCfg.Metrics.Addr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("listen: %s", err)
		}
	}()
	<-done
	log.WithFields(logrus.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown failed: %+v", err)
	}
	group.Wait()
}
