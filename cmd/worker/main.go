package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpu-quota-service/internal/bootstrap"
	"gpu-quota-service/internal/config"
	"gpu-quota-service/internal/logging"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/worker"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "config file path (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(log)

	if err := run(cfg, log.WithName("worker")); err != nil {
		log.Error(err, "worker exited")
		logging.Sync(log)
		os.Exit(1)
	}
}

func run(cfg config.Config, log logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	wakeup, closeWakeup, err := bootstrap.NewWakeup(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeWakeup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	processor := worker.NewProcessor(store, worker.SimulatedExecutor{TimeUnit: cfg.Worker.TimeUnit}, cfg.Worker.ExecTimeout, m, log)
	scheduler := worker.NewScheduler(processor, wakeup, cfg.Worker.PollInterval, m, log)
	reaper := worker.NewReaper(store, cfg.Worker.TimeUnit, cfg.Worker.ReapGrace, m, log)

	metricsSrv := &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("worker config",
		"store", cfg.Store.Driver,
		"redis_addr", cfg.Redis.Addr,
		"poll_interval", cfg.Worker.PollInterval.String(),
		"time_unit", cfg.Worker.TimeUnit.String(),
		"exec_timeout", cfg.Worker.ExecTimeout.String(),
		"reap_interval", cfg.Worker.ReapInterval.String(),
		"metrics_addr", cfg.HTTP.MetricsAddr,
	)

	var wg sync.WaitGroup
	if cfg.HTTP.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics server")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx, cfg.Worker.ReapInterval)
	}()

	scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()

	log.Info("worker stopped")
	return nil
}
