package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/batch"
	"github.com/sells-group/zipgeo/internal/checkpoint"
	"github.com/sells-group/zipgeo/internal/model"
	"github.com/sells-group/zipgeo/internal/pipeline"
	"github.com/sells-group/zipgeo/internal/resilience"
	"github.com/sells-group/zipgeo/internal/source"
	"github.com/sells-group/zipgeo/pkg/geocode"
)

const userAgent = "zipgeo/1.0"

// pipelineEnv holds the stores, lookup client and driver shared by the
// geocode, merge and status commands.
type pipelineEnv struct {
	Checkpoint checkpoint.Store
	Batches    *batch.Store
	Cache      *geocode.Cache // nil when caching is disabled
	Driver     *pipeline.Driver
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Cache != nil {
		if err := pe.Cache.Close(); err != nil {
			zap.L().Warn("close lookup cache", zap.Error(err))
		}
	}
	if pe.Batches != nil {
		if err := pe.Batches.Close(); err != nil {
			zap.L().Warn("close batch store", zap.Error(err))
		}
	}
	if pe.Checkpoint != nil {
		if err := pe.Checkpoint.Close(); err != nil {
			zap.L().Warn("close checkpoint store", zap.Error(err))
		}
	}
}

// initPipeline opens the checkpoint and batch stores, builds the lookup
// client and wires the Driver. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	env := &pipelineEnv{}

	cp, err := checkpoint.Open(ctx, checkpoint.Config{
		Driver:      cfg.Checkpoint.Driver,
		Path:        cfg.Checkpoint.Path,
		DatabaseURL: cfg.Checkpoint.DatabaseURL,
		Name:        cfg.Checkpoint.Name,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open checkpoint store")
	}
	env.Checkpoint = cp

	batches, err := batch.Open(ctx, cfg.Batch.Dir, batch.WithCompression(cfg.Batch.Compression))
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "open batch store")
	}
	env.Batches = batches

	var client geocode.Client = geocode.NewClient(
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithTimeout(cfg.Geocode.Timeout()),
		geocode.WithUserAgent(userAgent),
	)
	if cfg.Geocode.CachePath != "" {
		cache, err := geocode.OpenCache(ctx, cfg.Geocode.CachePath, cfg.Geocode.CacheTTLDays)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open lookup cache")
		}
		env.Cache = cache
		client = geocode.NewCachedClient(client, cache)
	}

	src := source.File{
		Path:    cfg.Input.Path,
		Options: source.Options{Encoding: cfg.Input.Encoding},
	}

	driver, err := pipeline.New(pipeline.Config{
		BatchSize: cfg.Batch.Size,
		RateLimit: cfg.Geocode.RateLimitInterval(),
		Projection: model.Projection{
			PostalCodeColumn: cfg.Input.PostalCodeColumn,
			AddressColumns:   cfg.Input.AddressColumns,
		},
		Retry: resilience.WithAttempts(cfg.Geocode.MaxAttempts),
	}, src, env.Checkpoint, env.Batches, client)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Driver = driver

	return env, nil
}
