// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command ingestd subscribes to device telemetry, persists it, streams it to
// observers and raises threshold alerts.
package main

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sensorhub/ingest/api"
	"github.com/sensorhub/ingest/config"
	"github.com/sensorhub/ingest/fanout"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/notify"
	"github.com/sensorhub/ingest/pipeline"
	"github.com/sensorhub/ingest/storage"
	"github.com/sensorhub/ingest/telemetry"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("ingestd", pflag.ExitOnError)
	path := flags.StringP("config", "c", "", "path to a YAML configuration file")
	level := flags.String("log-level", "", "log level (debug, info, warn, error)")
	embedded := flags.Bool("embedded-broker", false, "run an in-process MQTT broker")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if flags.Changed("embedded-broker") {
		cfg.Broker.Enabled = *embedded
	}
	lvl, err := cfg.Level()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.DateTime,
	}))

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("ingestd stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("ingestd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Broker.Enabled {
		broker, err := mqtt.NewBroker(cfg.Broker.Address, log)
		if err != nil {
			return err
		}
		defer broker.Close()
		log.Info("embedded broker listening", "address", cfg.Broker.Address)
	}

	router := telemetry.DefaultRouter()
	store, err := storage.Open(
		ctx,
		cfg.Storage.DSN,
		router.Partitions(),
		storage.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := fanout.NewHub(fanout.WithLogger(log))
	defer hub.Close()

	notifiers, closeNotifiers, err := buildNotifiers(cfg, store, hub)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	dialer.Logger = log

	reconnect := cfg.Reconnect()
	reconnect.Logger = log

	coord, err := pipeline.New(
		dialer,
		store,
		hub,
		notifiers,
		router,
		cfg.Evaluator(),
		pipeline.WithTopic(cfg.MQTT.Topic),
		pipeline.WithQoS(cfg.MQTT.QoS),
		pipeline.WithQueueSize(cfg.Pipeline.QueueSize),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithEffectTimeout(cfg.Pipeline.EffectTimeout.Duration),
		pipeline.WithEnqueueTimeout(cfg.Pipeline.EnqueueTimeout.Duration),
		pipeline.WithAlertCooldown(cfg.Alerts.Cooldown.Duration),
		pipeline.WithReconnect(reconnect),
		pipeline.WithLogger(log),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Address,
		Handler: api.NewServer(
			coord,
			store,
			router,
			hub,
			api.WithLogger(log),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", "address", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); !stderr.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(runCtx) }()

	// A failed pipeline leaves the HTTP surface up so /healthz reports it.
	var httpErr error
	select {
	case httpErr = <-serveErr:
	case <-ctx.Done():
	}

	stop()
	pipelineErr := <-runErr

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	return stderr.Join(httpErr, pipelineErr)
}

func buildNotifiers(
	cfg *config.Config,
	store *storage.Store,
	hub *fanout.Hub,
) (notify.Multi, func(), error) {
	notifiers := notify.Multi{notify.AlertLog{Store: store}, hub}
	closers := []func() error{}

	if ec := cfg.EmailConfig(); ec != nil {
		email, err := notify.NewEmail(*ec)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, email)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, k)
		closers = append(closers, k.Close)
	}

	return notifiers, func() {
		for _, c := range closers {
			_ = c()
		}
	}, nil
}
