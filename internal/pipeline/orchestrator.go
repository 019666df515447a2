package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/staging"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

// Orchestrator fans a batch out to one unit of work per object key.
type Orchestrator struct {
	cfg    Config
	worker *Worker
}

// NewOrchestrator creates a new Orchestrator. store is shared by every unit.
func NewOrchestrator(store storage.ObjectStorage, stager *staging.Stager, decoder Decoder, cfg Config) *Orchestrator {
	if cfg.Format.Codec == "" {
		cfg.Format = DefaultConfig().Format
	}
	if cfg.DestinationKey == "" {
		cfg.DestinationKey = DestinationPartition
	}
	return &Orchestrator{
		cfg:    cfg,
		worker: NewWorker(store, stager, decoder, cfg),
	}
}

// Run processes every file of batch concurrently and returns once each unit is done or
// failed. A failed unit does not stop the others; the returned error is only set when the
// descriptor itself is invalid.
//
// Cancelling ctx stops units from starting: they fail at queued with KindCancelled. Units
// that already started run to completion.
func (o *Orchestrator) Run(ctx context.Context, batch domain.BatchDescriptor, observer Observer) (*BatchResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	switch o.cfg.DestinationKey {
	case DestinationPartition, DestinationSource:
	default:
		return nil, fmt.Errorf("unknown destination key mode %q", o.cfg.DestinationKey)
	}

	result := &BatchResult{
		Outcomes: make([]Outcome, len(batch.Files)),
		Started:  time.Now(),
	}
	if len(batch.Files) == 0 {
		return result, nil
	}

	log.Info().
		Str("source", batch.SourceBucket+"/"+batch.SourcePrefix).
		Str("target", batch.TargetBucket+"/"+batch.TargetPrefix).
		Int("files", len(batch.Files)).
		Msg("starting batch")

	var sem *semaphore.Weighted
	if o.cfg.MaxConcurrentUnits > 0 {
		sem = semaphore.NewWeighted(int64(o.cfg.MaxConcurrentUnits))
	}

	var wg sync.WaitGroup
	for i := range batch.Files {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					result.Outcomes[index] = o.worker.Cancel(batch, index, observer, err)
					return
				}
				defer sem.Release(1)
			}
			// A slot can be granted after ctx ended; such a unit never starts either.
			if err := ctx.Err(); err != nil {
				result.Outcomes[index] = o.worker.Cancel(batch, index, observer, err)
				return
			}
			result.Outcomes[index] = o.worker.Process(context.WithoutCancel(ctx), batch, index, observer)
		}(i)
	}
	wg.Wait()

	result.Duration = time.Since(result.Started)
	log.Info().
		Int("done", result.Done()).
		Int("failed", result.Failed()).
		Dur("duration", result.Duration).
		Msg("batch finished")

	return result, nil
}
