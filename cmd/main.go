package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fleet-registry/allocator"
	"fleet-registry/config"
	"fleet-registry/fleet"
	"fleet-registry/health"
	"fleet-registry/inspector"
	"fleet-registry/metrics"
	"fleet-registry/provisioning"
	"fleet-registry/queues"
	qpubsub "fleet-registry/queues/pubsub"
	"fleet-registry/routing"
	"fleet-registry/store"
	"fleet-registry/store/etcd"
	"fleet-registry/store/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func newStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn().Msg("using in-memory store; state is lost on restart and not shared between replicas")
		return memory.New(), nil
	}
	return etcd.New(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
}

func newProvisioner(cfg *config.Config) (provisioning.Dispatcher, func() error, error) {
	switch cfg.Provisioner {
	case config.ProvisionerPubSub:
		p := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.ProvisionTopic, cfg.CredentialsFile)
		return provisioning.NewPubSubDispatcher(p), p.Close, nil
	case config.ProvisionerAgones:
		cli, err := provisioning.NewAgonesClient()
		if err != nil {
			return nil, nil, err
		}
		return provisioning.NewAgonesDispatcher(cli, cfg.TargetNamespace), nil, nil
	}
	return nil, nil, nil
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting fleet-registry version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or REGISTRY_PUBSUB_PROJECT_ID")
	}
	if cfg.InboundSubscription == "" {
		log.Fatal().Msg("missing Pub/Sub subscription; set REGISTRY_INBOUND_SUBSCRIPTION")
	}
	if cfg.EventsTopic == "" {
		log.Fatal().Msg("missing Pub/Sub topic; set REGISTRY_EVENTS_TOPIC")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := newStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	registry := fleet.NewRegistry(kv, fleet.NewTracker(kv))
	routes := routing.NewStore(kv)

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.EventsTopic, cfg.CredentialsFile)
	defer publisher.Close()

	provisioner, closeProvisioner, err := newProvisioner(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provisioner", cfg.Provisioner).Msg("failed to set up provisioner")
	}
	if closeProvisioner != nil {
		defer closeProvisioner()
	}

	controller := allocator.NewController(registry, routes, publisher, provisioner, allocator.SettingsFromConfig(cfg))
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.InboundSubscription, cfg.CredentialsFile)

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, health.StoreCheck(kv))
	inspector.New(registry).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health/inspect server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("subscription", cfg.InboundSubscription).Msg("starting subscriber loop")
		return subscriber.Start(gctx, func(ctx context.Context, env *queues.Envelope) error {
			return controller.Handle(ctx, env)
		})
	})
	g.Go(func() error {
		return controller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server graceful shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("registry exited with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
