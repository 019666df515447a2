package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresuchdata/dicom-compressor/internal/cache"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/pipeline"
	"github.com/andresuchdata/dicom-compressor/internal/repository"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

// fakeRunner fails every file whose name contains "bad" while extracting metadata.
type fakeRunner struct {
	mu      sync.Mutex
	batches []domain.BatchDescriptor
}

var successPath = []domain.UnitState{
	domain.UnitRetrieving, domain.UnitStaged, domain.UnitMetadataExtracted,
	domain.UnitRendered, domain.UnitEncoded, domain.UnitPartitionKeyBuilt,
	domain.UnitStored, domain.UnitDone,
}

func (r *fakeRunner) Run(ctx context.Context, batch domain.BatchDescriptor, observer pipeline.Observer) (*pipeline.BatchResult, error) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()

	result := &pipeline.BatchResult{Outcomes: make([]pipeline.Outcome, len(batch.Files)), Started: time.Now()}
	for i, file := range batch.Files {
		key := batch.SourceKey(file)
		emit := func(from, to domain.UnitState, dest string, uerr *pipeline.UnitError) {
			observer.OnTransition(pipeline.Transition{
				Index: i, File: file, SourceKey: key, From: from, To: to,
				DestinationKey: dest, Err: uerr, At: time.Now(),
			})
		}

		if strings.Contains(file, "bad") {
			uerr := &pipeline.UnitError{File: file, Stage: domain.UnitStaged, Kind: pipeline.KindDecode, Err: errors.New("attribute not present")}
			emit(domain.UnitQueued, domain.UnitRetrieving, "", nil)
			emit(domain.UnitRetrieving, domain.UnitStaged, "", nil)
			emit(domain.UnitStaged, domain.UnitFailed, "", uerr)
			result.Outcomes[i] = pipeline.Outcome{File: file, SourceKey: key, State: domain.UnitFailed, FailedStage: domain.UnitStaged, Err: uerr}
			continue
		}

		dest := "out/compressed_images/2023_07/" + file + ".jpeg"
		from := domain.UnitQueued
		for _, to := range successPath {
			d := ""
			if to == domain.UnitPartitionKeyBuilt || to == domain.UnitStored || to == domain.UnitDone {
				d = dest
			}
			emit(from, to, d, nil)
			from = to
		}
		result.Outcomes[i] = pipeline.Outcome{File: file, SourceKey: key, State: domain.UnitDone, DestinationKey: dest}
	}
	return result, nil
}

type countingCache struct {
	cache.BatchCache
	mu          sync.Mutex
	runs        map[string]*domain.BatchRun
	gets, sets  int
	invalidated []string
	listsReset  int
}

func newCountingCache() *countingCache {
	return &countingCache{BatchCache: cache.NewNoopBatchCache(), runs: make(map[string]*domain.BatchRun)}
}

func (c *countingCache) Get(ctx context.Context, id string) (*domain.BatchRun, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	run, ok := c.runs[id]
	return run, ok, nil
}

func (c *countingCache) Set(ctx context.Context, run *domain.BatchRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.runs[run.ID] = run
	return nil
}

func (c *countingCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func (c *countingCache) InvalidateLists(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listsReset++
	return nil
}

func newTestService(runner Runner, store storage.ObjectStorage, c cache.BatchCache, chunk int) *BatchService {
	svc := NewBatchService(runner, store, repository.NewMemoryBatchRepository(), c, chunk)
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("batch-%d", n)
	}
	return svc
}

func descriptor(files ...string) domain.BatchDescriptor {
	return domain.BatchDescriptor{
		SourceBucket: "source",
		SourcePrefix: "scans",
		TargetBucket: "target",
		TargetPrefix: "out",
		Files:        files,
	}
}

func TestBatchService_RunRecordsOutcomes(t *testing.T) {
	c := newCountingCache()
	svc := newTestService(&fakeRunner{}, nil, c, 0)

	run, err := svc.Run(context.Background(), descriptor("a", "bad", "c"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if run.ID != "batch-1" {
		t.Errorf("id = %s", run.ID)
	}
	if run.Status != domain.BatchCompletedWithFailures {
		t.Errorf("status = %s", run.Status)
	}
	if run.TotalUnits != 3 || run.DoneUnits != 2 || run.FailedUnits != 1 {
		t.Errorf("counts = %d/%d/%d", run.TotalUnits, run.DoneUnits, run.FailedUnits)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if len(run.Units) != 3 {
		t.Fatalf("units = %d", len(run.Units))
	}

	first := run.Units[0]
	if first.State != domain.UnitDone || first.DestinationKey != "out/compressed_images/2023_07/a.jpeg" {
		t.Errorf("unit a = %+v", first)
	}
	failed := run.Units[1]
	if failed.State != domain.UnitFailed || failed.FailedStage != domain.UnitStaged ||
		failed.ErrorKind != "decode" || failed.ErrorMessage != "attribute not present" {
		t.Errorf("unit bad = %+v", failed)
	}
	if failed.SourceKey != "scans/bad" {
		t.Errorf("source key = %s", failed.SourceKey)
	}

	if len(c.invalidated) != 1 || c.invalidated[0] != "batch-1" || c.listsReset != 1 {
		t.Errorf("cache invalidations = %v, lists %d", c.invalidated, c.listsReset)
	}
}

func TestBatchService_RunAllSucceeded(t *testing.T) {
	svc := newTestService(&fakeRunner{}, nil, nil, 0)
	run, err := svc.Run(context.Background(), descriptor("a"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.BatchCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
}

func TestBatchService_RunRejectsInvalidDescriptor(t *testing.T) {
	runner := &fakeRunner{}
	svc := newTestService(runner, nil, nil, 0)

	desc := descriptor("a")
	desc.SourceBucket = ""
	if _, err := svc.Run(context.Background(), desc); !errors.Is(err, domain.ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch, got %v", err)
	}
	if len(runner.batches) != 0 {
		t.Error("runner should not be called for an invalid descriptor")
	}
	if runs, _ := svc.List(context.Background(), 0); len(runs) != 0 {
		t.Errorf("no run should be recorded, got %d", len(runs))
	}
}

func TestBatchService_RunAllChunks(t *testing.T) {
	runner := &fakeRunner{}
	svc := newTestService(runner, nil, nil, 2)

	runs, err := svc.RunAll(context.Background(), descriptor("a", "b", "c", "d", "e"))
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	sizes := []int{2, 2, 1}
	for i, r := range runs {
		if r.TotalUnits != sizes[i] {
			t.Errorf("run %d has %d units, want %d", i, r.TotalUnits, sizes[i])
		}
	}
	if runner.batches[2].Files[0] != "e" {
		t.Errorf("last chunk = %v", runner.batches[2].Files)
	}
}

func TestBatchService_GetCachesFinishedRuns(t *testing.T) {
	ctx := context.Background()
	c := newCountingCache()
	svc := newTestService(&fakeRunner{}, nil, c, 0)

	run, err := svc.Run(ctx, descriptor("a"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := svc.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != run.ID || c.sets != 1 {
		t.Errorf("first Get: id %s, sets %d", got.ID, c.sets)
	}

	if _, err := svc.Get(ctx, run.ID); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if c.sets != 1 || c.gets != 2 {
		t.Errorf("second Get should be a cache hit: sets %d gets %d", c.sets, c.gets)
	}

	if _, err := svc.Get(ctx, "nope"); !errors.Is(err, repository.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestBatchService_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeRunner{}, nil, nil, 0)
	for i := 0; i < 3; i++ {
		if _, err := svc.Run(ctx, descriptor("a")); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	runs, err := svc.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "batch-3" || runs[1].ID != "batch-2" {
		t.Errorf("List = %v", runs)
	}
}

type listStore struct {
	storage.ObjectStorage
	objects []storage.ObjectInfo
	prefix  string
}

func (s *listStore) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	s.prefix = prefix
	return s.objects, nil
}

func TestBatchService_Discover(t *testing.T) {
	july := time.Date(2023, time.July, 3, 0, 0, 0, 0, time.UTC)
	aug := time.Date(2023, time.August, 1, 0, 0, 0, 0, time.UTC)
	store := &listStore{objects: []storage.ObjectInfo{
		{Key: "scans/", LastModified: july},
		{Key: "scans/b.dcm", LastModified: july},
		{Key: "scans/2023/a.dcm", LastModified: july},
		{Key: "scans/c.dcm", LastModified: aug},
	}}
	svc := newTestService(&fakeRunner{}, store, nil, 0)

	files, err := svc.Discover(context.Background(), "source", "scans", domain.ObjectFilter{Year: 2023, Month: time.July})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if store.prefix != "scans/" {
		t.Errorf("listed prefix = %q", store.prefix)
	}
	want := []string{"2023/a.dcm", "b.dcm"}
	if fmt.Sprint(files) != fmt.Sprint(want) {
		t.Errorf("files = %v, want %v", files, want)
	}

	all, err := svc.Discover(context.Background(), "source", "scans/", domain.ObjectFilter{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered files = %v", all)
	}
}
