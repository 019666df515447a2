package cache

import (
	"context"
	"strconv"

	"github.com/andresuchdata/dicom-compressor/internal/config"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

const (
	batchSummaryKeyPrefix = "batch:summary:"
	batchListKeyPrefix    = "batch:list:"
)

// BatchCache holds recently read batch runs so status polling does not hit the ledger.
type BatchCache interface {
	Get(ctx context.Context, id string) (*domain.BatchRun, bool, error)
	Set(ctx context.Context, run *domain.BatchRun) error
	Invalidate(ctx context.Context, id string) error

	GetList(ctx context.Context, limit int) ([]*domain.BatchRun, bool, error)
	SetList(ctx context.Context, limit int, runs []*domain.BatchRun) error
	InvalidateLists(ctx context.Context) error

	Close() error
}

type redisBatchCache struct {
	docs *jsonStore
}

type noopBatchCache struct{}

// NewBatchCache connects to redis when caching is enabled and returns a no-op cache otherwise.
func NewBatchCache(cfg config.CacheConfig) (BatchCache, error) {
	if !cfg.Enabled {
		return &noopBatchCache{}, nil
	}
	docs, err := dialJSONStore(cfg)
	if err != nil {
		return nil, err
	}
	return &redisBatchCache{docs: docs}, nil
}

func NewNoopBatchCache() BatchCache {
	return &noopBatchCache{}
}

func batchSummaryKey(id string) string {
	return batchSummaryKeyPrefix + id
}

func batchListKey(limit int) string {
	return batchListKeyPrefix + strconv.Itoa(limit)
}

func (c *redisBatchCache) Get(ctx context.Context, id string) (*domain.BatchRun, bool, error) {
	var run domain.BatchRun
	ok, err := c.docs.load(ctx, batchSummaryKey(id), &run)
	if err != nil || !ok {
		return nil, false, err
	}
	return &run, true, nil
}

func (c *redisBatchCache) Set(ctx context.Context, run *domain.BatchRun) error {
	if run == nil {
		return nil
	}
	return c.docs.store(ctx, batchSummaryKey(run.ID), run)
}

func (c *redisBatchCache) Invalidate(ctx context.Context, id string) error {
	return c.docs.drop(ctx, batchSummaryKey(id))
}

func (c *redisBatchCache) GetList(ctx context.Context, limit int) ([]*domain.BatchRun, bool, error) {
	var runs []*domain.BatchRun
	ok, err := c.docs.load(ctx, batchListKey(limit), &runs)
	if err != nil || !ok {
		return nil, false, err
	}
	return runs, true, nil
}

func (c *redisBatchCache) SetList(ctx context.Context, limit int, runs []*domain.BatchRun) error {
	return c.docs.store(ctx, batchListKey(limit), runs)
}

func (c *redisBatchCache) InvalidateLists(ctx context.Context) error {
	return c.docs.dropPrefix(ctx, batchListKeyPrefix)
}

func (c *redisBatchCache) Close() error {
	return c.docs.close()
}

func (c *noopBatchCache) Get(ctx context.Context, id string) (*domain.BatchRun, bool, error) {
	return nil, false, nil
}

func (c *noopBatchCache) Set(ctx context.Context, run *domain.BatchRun) error {
	return nil
}

func (c *noopBatchCache) Invalidate(ctx context.Context, id string) error {
	return nil
}

func (c *noopBatchCache) GetList(ctx context.Context, limit int) ([]*domain.BatchRun, bool, error) {
	return nil, false, nil
}

func (c *noopBatchCache) SetList(ctx context.Context, limit int, runs []*domain.BatchRun) error {
	return nil
}

func (c *noopBatchCache) InvalidateLists(ctx context.Context) error {
	return nil
}

func (c *noopBatchCache) Close() error {
	return nil
}
