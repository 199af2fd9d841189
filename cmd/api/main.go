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

	"gpu-quota-service/internal/bootstrap"
	"gpu-quota-service/internal/config"
	"gpu-quota-service/internal/logging"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/service"
	httptransport "gpu-quota-service/internal/transport/http"
	"gpu-quota-service/internal/worker"
)

// @title GPU Quota Service API
// @version 1.0
// @description Quota-governed GPU job admission, approval and execution.
// @BasePath /
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

	if err := run(cfg, log.WithName("api")); err != nil {
		log.Error(err, "api exited")
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
	if wakeup == nil && cfg.Worker.Embedded {
		wakeup = service.NewLocalWakeup()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	policy := bootstrap.Policy(cfg.Policy)
	jobs := service.NewJobService(store, wakeup, policy, m, log)
	principals := service.NewPrincipalService(store, policy, log)
	h := httptransport.NewHandler(jobs, principals)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httptransport.Routes(h, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		processor := worker.NewProcessor(store, worker.SimulatedExecutor{TimeUnit: cfg.Worker.TimeUnit}, cfg.Worker.ExecTimeout, m, log)
		scheduler := worker.NewScheduler(processor, wakeup, cfg.Worker.PollInterval, m, log)
		reaper := worker.NewReaper(store, cfg.Worker.TimeUnit, cfg.Worker.ReapGrace, m, log)

		wg.Add(2)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			reaper.Run(ctx, cfg.Worker.ReapInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "embedded_worker", cfg.Worker.Embedded)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown")
	}
	wg.Wait()

	log.Info("api stopped")
	return nil
}
