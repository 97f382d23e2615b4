package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/config"
	"github.com/ent0n29/voxroom/internal/controlplane"
	"github.com/ent0n29/voxroom/internal/httpapi"
	"github.com/ent0n29/voxroom/internal/observability"
	"github.com/ent0n29/voxroom/internal/transcript"
	"github.com/ent0n29/voxroom/internal/worker"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Service     *controlplane.Service
	Registry    *agentsession.Registry
	Transcripts transcript.Store
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, redis, docker client).
	Cleanup func() error
}

// Build wires the daemon from cfg. metrics may be nil, in which case
// instruments are registered on the default prometheus registry.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := agentsession.NewStore(ctx, cfg.RegistryStore, cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("registry store init failed: %w", err)
	}

	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	launcher, err := worker.NewLauncher(worker.Config{
		Kind:    cfg.WorkerLauncher,
		Command: cfg.WorkerCommand,
		Image:   cfg.WorkerImage,
		Network: cfg.WorkerNetwork,
	})
	if err != nil {
		_ = transcripts.Close()
		_ = store.Close()
		return nil, fmt.Errorf("worker launcher init failed: %w", err)
	}

	registry := agentsession.NewRegistry(store,
		agentsession.WithDefaults(cfg.DefaultInstructions, cfg.DefaultVoiceProfile),
		agentsession.WithPendingTTL(cfg.PendingSessionTTL),
		agentsession.WithLogger(logger.With().Str("component", "registry").Logger()),
	)
	prober := worker.NewProber(cfg.TransportURL, cfg.SpeechBackendURL, cfg.HealthTimeout)
	service := controlplane.New(registry, launcher, prober, metrics, logger.With().Str("component", "controlplane").Logger())

	api := httpapi.New(httpapi.Options{
		AllowAnyOrigin:  cfg.AllowAnyOrigin,
		SpawnRatePerSec: cfg.SpawnRatePerSec,
		SpawnRateBurst:  cfg.SpawnRateBurst,

		RedactTranscripts: cfg.TranscriptRedact,
	}, service, transcripts, metrics, logger.With().Str("component", "httpapi").Logger())

	cleanup := func() error {
		var errs []error
		if c, ok := launcher.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("launcher: %w", err))
			}
		}
		if err := transcripts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transcripts: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("registry store: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info().
		Str("registry_store", cfg.RegistryStore).
		Str("launcher", launcher.Name()).
		Bool("transcripts_postgres", cfg.DatabaseURL != "").
		Msg("control plane built")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Service:     service,
		Registry:    registry,
		Transcripts: transcripts,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}

// StartJanitor schedules expiry of abandoned pending sessions.
func (b *BuildResult) StartJanitor(ctx context.Context) error {
	return b.Registry.StartJanitor(ctx, b.Config.RegistryGCSchedule, b.Service.OnSweep)
}
