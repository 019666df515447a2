package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/dicom-compressor/internal/cache"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/pipeline"
	"github.com/andresuchdata/dicom-compressor/internal/repository"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Runner executes one batch descriptor. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, batch domain.BatchDescriptor, observer pipeline.Observer) (*pipeline.BatchResult, error)
}

type BatchService struct {
	runner    Runner
	store     storage.ObjectStorage
	repo      repository.BatchRepository
	cache     cache.BatchCache
	chunkSize int
	newID     func() string
}

func NewBatchService(runner Runner, store storage.ObjectStorage, repo repository.BatchRepository, cacheImpl cache.BatchCache, chunkSize int) *BatchService {
	if repo == nil {
		repo = repository.NewMemoryBatchRepository()
	}
	if cacheImpl == nil {
		cacheImpl = cache.NewNoopBatchCache()
	}
	return &BatchService{
		runner:    runner,
		store:     store,
		repo:      repo,
		cache:     cacheImpl,
		chunkSize: chunkSize,
		newID:     uuid.NewString,
	}
}

// Run records a new batch run, converts every file and returns the finished run with its
// per-unit outcomes. Unit failures are part of the result, not an error.
func (s *BatchService) Run(ctx context.Context, desc domain.BatchDescriptor) (*domain.BatchRun, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	run := &domain.BatchRun{
		ID:           s.newID(),
		SourceBucket: desc.SourceBucket,
		SourcePrefix: desc.SourcePrefix,
		TargetBucket: desc.TargetBucket,
		TargetPrefix: desc.TargetPrefix,
		Status:       domain.BatchRunning,
		TotalUnits:   len(desc.Files),
		StartedAt:    started,
	}
	units := make([]domain.UnitRecord, len(desc.Files))
	for i, file := range desc.Files {
		units[i] = domain.UnitRecord{
			BatchID:   run.ID,
			Position:  i,
			File:      file,
			SourceKey: desc.SourceKey(file),
			State:     domain.UnitQueued,
			UpdatedAt: started,
		}
	}
	if err := s.repo.CreateRun(ctx, run, units); err != nil {
		return nil, fmt.Errorf("failed to record batch run: %w", err)
	}

	log.Info().Str("batch_id", run.ID).Int("files", len(desc.Files)).Msg("batch run started")

	result, err := s.runner.Run(ctx, desc, &ledgerObserver{ctx: ctx, repo: s.repo, batchID: run.ID})
	if err != nil {
		// The descriptor was validated above, so this is a configuration problem; close the
		// run so it does not stay running forever.
		if finishErr := s.repo.FinishRun(ctx, run.ID, domain.BatchCompletedWithFailures, 0, len(desc.Files), time.Now()); finishErr != nil {
			log.Error().Err(finishErr).Str("batch_id", run.ID).Msg("failed to close batch run")
		}
		return nil, err
	}

	status := domain.BatchCompleted
	if result.Failed() > 0 {
		status = domain.BatchCompletedWithFailures
	}
	if err := s.repo.FinishRun(ctx, run.ID, status, result.Done(), result.Failed(), time.Now()); err != nil {
		return nil, fmt.Errorf("failed to finish batch run: %w", err)
	}

	s.invalidate(ctx, run.ID)

	log.Info().
		Str("batch_id", run.ID).
		Str("status", string(status)).
		Int("done", result.Done()).
		Int("failed", result.Failed()).
		Msg("batch run finished")

	return s.repo.GetRun(ctx, run.ID)
}

// RunAll splits desc into chunks of the configured size and runs them one after another.
func (s *BatchService) RunAll(ctx context.Context, desc domain.BatchDescriptor) ([]*domain.BatchRun, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	chunks := desc.Chunk(s.chunkSize)
	runs := make([]*domain.BatchRun, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		if len(chunks) > 1 {
			log.Info().Int("chunk", i+1).Int("chunks", len(chunks)).Int("files", len(chunk.Files)).Msg("running chunk")
		}
		run, err := s.Run(ctx, chunk)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Get returns a run with its units. Finished runs are served from the cache.
func (s *BatchService) Get(ctx context.Context, id string) (*domain.BatchRun, error) {
	if run, ok, err := s.cache.Get(ctx, id); err == nil && ok {
		return run, nil
	} else if err != nil {
		log.Warn().Err(err).Str("batch_id", id).Msg("batch: cache get failed")
	}

	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.CompletedAt != nil {
		if err := s.cache.Set(ctx, run); err != nil {
			log.Warn().Err(err).Str("batch_id", id).Msg("batch: cache set failed")
		}
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (s *BatchService) List(ctx context.Context, limit int) ([]*domain.BatchRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	if runs, ok, err := s.cache.GetList(ctx, limit); err == nil && ok {
		return runs, nil
	} else if err != nil {
		log.Warn().Err(err).Msg("batch: cache get list failed")
	}

	runs, err := s.repo.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetList(ctx, limit, runs); err != nil {
		log.Warn().Err(err).Msg("batch: cache set list failed")
	}
	return runs, nil
}

// Discover lists the objects under prefix whose last modification falls in filter and returns
// their keys relative to prefix, sorted.
func (s *BatchService) Discover(ctx context.Context, bucket, prefix string, filter domain.ObjectFilter) ([]string, error) {
	listPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if listPrefix != "" {
		listPrefix += "/"
	}

	objects, err := s.store.ListObjects(ctx, bucket, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, listPrefix, err)
	}

	files := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") || !filter.Matches(obj.LastModified) {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, listPrefix)
		if rel == "" {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)

	log.Info().
		Str("bucket", bucket).
		Str("prefix", listPrefix).
		Int("listed", len(objects)).
		Int("matched", len(files)).
		Msg("discovered source objects")
	return files, nil
}

func (s *BatchService) invalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		log.Warn().Err(err).Str("batch_id", id).Msg("batch: cache invalidate failed")
	}
	if err := s.cache.InvalidateLists(ctx); err != nil {
		log.Warn().Err(err).Msg("batch: cache invalidate lists failed")
	}
}

// ledgerObserver writes every unit transition to the run ledger.
type ledgerObserver struct {
	ctx     context.Context
	repo    repository.BatchRepository
	batchID string
}

func (o *ledgerObserver) OnTransition(t pipeline.Transition) {
	record := domain.UnitRecord{
		BatchID:        o.batchID,
		Position:       t.Index,
		File:           t.File,
		SourceKey:      t.SourceKey,
		State:          t.To,
		DestinationKey: t.DestinationKey,
		UpdatedAt:      t.At,
	}
	if t.Err != nil {
		record.FailedStage = t.Err.Stage
		record.ErrorKind = string(t.Err.Kind)
		record.ErrorMessage = t.Err.Err.Error()
	}

	if err := o.repo.UpdateUnit(o.ctx, record); err != nil {
		log.Warn().Err(err).Str("batch_id", o.batchID).Str("file", t.File).Msg("failed to record unit transition")
	}
}
