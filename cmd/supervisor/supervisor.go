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
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/supervisor"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		logging.New("supervisor", "info").WithFields(logrus.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log := logging.New("supervisor", appCfg.LogLevel("supervisor"))
	log.WithFields(logrus.Fields{
		"event": "init_service",
	}).Info("service initialized")

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	repo, err := app.OpenRepository(ctx, appCfg, log)
	if err != nil {
		log.WithFields(logrus.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	cfg := &supervisor.Config{
		Repository:      repo,
		Interval:        appCfg.Supervisor.Interval.D(),
		StaleTimeout:    appCfg.Supervisor.StaleTimeout.D(),
		RepairBatchSize: appCfg.Supervisor.RepairBatchSize,
		Expiration:      appCfg.Supervisor.Expiration.D(),
		Chaos:           monkey.New(appCfg.Transport.ErrorChance, time.Now().UnixNano()),
		Metrics:         metrics.New(reg),
		Log:             log,
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	supervisor.Run(ctx, cfg, &group)

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
