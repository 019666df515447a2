package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/dicom-compressor/internal/cache"
	"github.com/andresuchdata/dicom-compressor/internal/config"
	"github.com/andresuchdata/dicom-compressor/internal/dicomimg"
	"github.com/andresuchdata/dicom-compressor/internal/pipeline"
	"github.com/andresuchdata/dicom-compressor/internal/repository"
	"github.com/andresuchdata/dicom-compressor/internal/repository/postgres"
	"github.com/andresuchdata/dicom-compressor/internal/service"
	"github.com/andresuchdata/dicom-compressor/internal/staging"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
	"github.com/andresuchdata/dicom-compressor/pkg/logger"
)

type ctxKey struct{}

// deps is everything a command needs, built once in Before.
type deps struct {
	cfg     *config.Config
	store   storage.ObjectStorage
	service *service.BatchService
	closers []func() error
}

func initDeps(c *cli.Context) error {
	cfg := config.Load()

	logger.Configure(cfg.Log.Format, os.Stderr)
	logger.SetLevel(cfg.Log.Level)

	if c.IsSet("chunk-size") {
		cfg.Pipeline.ChunkSize = c.Int("chunk-size")
	}

	d, err := buildDeps(c.Context, cfg)
	if err != nil {
		return err
	}
	c.Context = context.WithValue(c.Context, ctxKey{}, d)
	return nil
}

func closeDeps(c *cli.Context) error {
	d, ok := c.Context.Value(ctxKey{}).(*deps)
	if !ok || d == nil {
		return nil
	}
	for _, closeFn := range d.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
	return nil
}

func depsFrom(c *cli.Context) (*deps, error) {
	d, ok := c.Context.Value(ctxKey{}).(*deps)
	if !ok || d == nil {
		return nil, fmt.Errorf("dependencies not initialised")
	}
	return d, nil
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{cfg: cfg}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise %s storage: %w", cfg.Storage.Driver, err)
	}
	d.store = store

	stager, err := staging.New(cfg.Staging.DownloadDir, cfg.Staging.UploadDir)
	if err != nil {
		return nil, err
	}

	orchestrator := pipeline.NewOrchestrator(store, stager, pipeline.DICOMDecoder, pipeline.Config{
		MaxConcurrentUnits: cfg.Pipeline.MaxConcurrentUnits,
		FrameWorkers:       cfg.Pipeline.FrameWorkers,
		DestinationKey:     cfg.Pipeline.DestinationKey,
		KeepFiles:          cfg.Staging.KeepFiles,
		Format:             dicomimg.GrayscaleJPEG,
	})

	var repo repository.BatchRepository = repository.NewMemoryBatchRepository()
	if cfg.Database.Enabled {
		db, err := postgres.NewDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		d.closers = append(d.closers, db.Close)

		pgRepo := postgres.NewBatchRepository(db)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			d.close()
			return nil, err
		}
		repo = pgRepo
	}

	batchCache, err := cache.NewBatchCache(cfg.Cache)
	if err != nil {
		log.Warn().Err(err).Msg("batch cache unavailable, continuing without cache")
		batchCache = cache.NewNoopBatchCache()
	}
	d.closers = append(d.closers, batchCache.Close)

	d.service = service.NewBatchService(orchestrator, store, repo, batchCache, cfg.Pipeline.ChunkSize)
	return d, nil
}

func (d *deps) close() {
	for _, closeFn := range d.closers {
		_ = closeFn()
	}
	d.closers = nil
}
