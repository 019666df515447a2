// internal/repository/batch_repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

var (
	ErrBatchNotFound = errors.New("batch run not found")
	ErrUnitNotFound  = errors.New("unit not found")
)

// BatchRepository is the run ledger: one row per batch, one row per unit of work.
type BatchRepository interface {
	CreateRun(ctx context.Context, run *domain.BatchRun, units []domain.UnitRecord) error
	UpdateUnit(ctx context.Context, unit domain.UnitRecord) error
	FinishRun(ctx context.Context, id string, status domain.BatchStatus, done, failed int, completedAt time.Time) error
	GetRun(ctx context.Context, id string) (*domain.BatchRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.BatchRun, error)
}

// MemoryBatchRepository keeps the ledger in process memory. It is used when no database is
// configured and in tests.
type MemoryBatchRepository struct {
	mu    sync.RWMutex
	runs  map[string]*domain.BatchRun
	units map[string][]domain.UnitRecord
	order []string
}

func NewMemoryBatchRepository() *MemoryBatchRepository {
	return &MemoryBatchRepository{
		runs:  make(map[string]*domain.BatchRun),
		units: make(map[string][]domain.UnitRecord),
	}
}

func (r *MemoryBatchRepository) CreateRun(ctx context.Context, run *domain.BatchRun, units []domain.UnitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return errors.New("batch run already exists: " + run.ID)
	}

	stored := *run
	stored.Units = nil
	r.runs[run.ID] = &stored

	records := make([]domain.UnitRecord, len(units))
	copy(records, units)
	for i := range records {
		records[i].BatchID = run.ID
	}
	r.units[run.ID] = records
	r.order = append(r.order, run.ID)
	return nil
}

func (r *MemoryBatchRepository) UpdateUnit(ctx context.Context, unit domain.UnitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, ok := r.units[unit.BatchID]
	if !ok {
		return ErrBatchNotFound
	}
	// Units are keyed by position; the same file may appear more than once in a batch.
	for i := range records {
		if records[i].Position == unit.Position {
			records[i] = unit
			return nil
		}
	}
	return fmt.Errorf("unit %d (%s) of batch %s: %w", unit.Position, unit.File, unit.BatchID, ErrUnitNotFound)
}

func (r *MemoryBatchRepository) FinishRun(ctx context.Context, id string, status domain.BatchStatus, done, failed int, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return ErrBatchNotFound
	}
	run.Status = status
	run.DoneUnits = done
	run.FailedUnits = failed
	run.CompletedAt = &completedAt
	return nil
}

func (r *MemoryBatchRepository) GetRun(ctx context.Context, id string) (*domain.BatchRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	out := *run
	out.Units = make([]domain.UnitRecord, len(r.units[id]))
	copy(out.Units, r.units[id])
	sort.SliceStable(out.Units, func(i, j int) bool { return out.Units[i].Position < out.Units[j].Position })
	return &out, nil
}

// ListRuns returns the most recent runs first, without their units.
func (r *MemoryBatchRepository) ListRuns(ctx context.Context, limit int) ([]*domain.BatchRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*domain.BatchRun, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) == limit {
			break
		}
		run := *r.runs[r.order[i]]
		runs = append(runs, &run)
	}
	return runs, nil
}

var _ BatchRepository = (*MemoryBatchRepository)(nil)
