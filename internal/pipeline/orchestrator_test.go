package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/andresuchdata/dicom-compressor/internal/dicomimg"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/staging"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	onGet   func(key string)
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if m.onGet != nil {
		m.onGet(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}
	return data, nil
}

func (m *memStore) PutObject(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) ListObjects(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (m *memStore) keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if len(k) > len(bucket) && k[:len(bucket)+1] == bucket+"/" {
			keys = append(keys, k[len(bucket)+1:])
		}
	}
	sort.Strings(keys)
	return keys
}

type fakeObject struct {
	attrs  map[tag.Tag]string
	frames int
}

func (o *fakeObject) Attribute(t tag.Tag) (string, error) {
	v, ok := o.attrs[t]
	if !ok {
		return "", fmt.Errorf("%v: %w", t, dicomimg.ErrAttributeMissing)
	}
	return v, nil
}

func (o *fakeObject) Frames() (dicomimg.FrameSource, error) {
	return fakeFrames(o.frames), nil
}

type fakeFrames int

func (f fakeFrames) NumFrames() int { return int(f) }

func (f fakeFrames) Frame(i int) (image.Image, error) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for p := range img.Pix {
		img.Pix[p] = uint8(i*40 + p)
	}
	return img, nil
}

// objectDecoder resolves staged files by their content, which the tests set to an object id.
func objectDecoder(objects map[string]*fakeObject) Decoder {
	return DecoderFunc(func(path string) (Decoded, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		obj, ok := objects[string(data)]
		if !ok {
			return nil, errors.New("not a DICOM file")
		}
		return obj, nil
	})
}

func validObject(series, object, date string) *fakeObject {
	return &fakeObject{
		attrs: map[tag.Tag]string{
			dicomimg.SeriesInstanceUID:    series,
			dicomimg.SOPInstanceUID:       object,
			dicomimg.InstanceCreationDate: date,
		},
		frames: 2,
	}
}

type recorder struct {
	mu          sync.Mutex
	transitions map[int][]domain.UnitState
}

func newRecorder() *recorder {
	return &recorder{transitions: make(map[int][]domain.UnitState)}
}

func (r *recorder) OnTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[t.Index] = append(r.transitions[t.Index], t.To)
}

type fixture struct {
	store   *memStore
	stager  *staging.Stager
	objects map[string]*fakeObject
	batch   domain.BatchDescriptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	stager, err := staging.New(filepath.Join(root, "downloads"), filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}

	f := &fixture{
		store:   newMemStore(),
		stager:  stager,
		objects: make(map[string]*fakeObject),
		batch: domain.BatchDescriptor{
			SourceBucket: "source",
			SourcePrefix: "scans",
			TargetBucket: "target",
			TargetPrefix: "out",
		},
	}
	return f
}

func (f *fixture) add(file string, obj *fakeObject) {
	id := "object-" + file
	f.objects[id] = obj
	f.store.objects["source/"+domain.JoinKey(f.batch.SourcePrefix, file)] = []byte(id)
	f.batch.Files = append(f.batch.Files, file)
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return NewOrchestrator(f.store, f.stager, objectDecoder(f.objects), cfg)
}

func TestOrchestrator_IsolatesUnitFailures(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20230715"))
	f.add("2.dcm", &fakeObject{attrs: map[tag.Tag]string{dicomimg.SeriesInstanceUID: "S1"}, frames: 1})
	f.add("3.dcm", validObject("S1", "O3", "20230801"))

	rec := newRecorder()
	result, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(result.Outcomes))
	}
	for _, i := range []int{0, 2} {
		if o := result.Outcomes[i]; o.State != domain.UnitDone || o.Err != nil {
			t.Errorf("unit %d: state = %s, err = %v", i+1, o.State, o.Err)
		}
	}

	failed := result.Outcomes[1]
	if failed.State != domain.UnitFailed {
		t.Fatalf("unit 2: state = %s, want failed", failed.State)
	}
	if failed.FailedStage != domain.UnitStaged {
		t.Errorf("unit 2: failed stage = %s, want %s", failed.FailedStage, domain.UnitStaged)
	}
	if failed.Err.Kind != KindDecode {
		t.Errorf("unit 2: kind = %s, want %s", failed.Err.Kind, KindDecode)
	}
	if !errors.Is(failed.Err, dicomimg.ErrAttributeMissing) {
		t.Errorf("unit 2: cause = %v, want ErrAttributeMissing", failed.Err)
	}
	if failed.SourceKey != "scans/2.dcm" {
		t.Errorf("unit 2: source key = %s", failed.SourceKey)
	}

	if result.Done() != 2 || result.Failed() != 1 {
		t.Errorf("done/failed = %d/%d, want 2/1", result.Done(), result.Failed())
	}

	want := []string{
		"out/compressed_images/2023_07/S1|O1.jpeg",
		"out/compressed_images/2023_08/S1|O3.jpeg",
	}
	got := f.store.keys("target")
	if len(got) != len(want) {
		t.Fatalf("stored keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stored key %d = %s, want %s", i, got[i], want[i])
		}
	}
	if result.Outcomes[0].DestinationKey != want[0] {
		t.Errorf("unit 1 destination = %s", result.Outcomes[0].DestinationKey)
	}

	fullPath := []domain.UnitState{
		domain.UnitRetrieving, domain.UnitStaged, domain.UnitMetadataExtracted,
		domain.UnitRendered, domain.UnitEncoded, domain.UnitPartitionKeyBuilt,
		domain.UnitStored, domain.UnitDone,
	}
	if got := rec.transitions[0]; fmt.Sprint(got) != fmt.Sprint(fullPath) {
		t.Errorf("unit 1 transitions = %v, want %v", got, fullPath)
	}
	failedPath := []domain.UnitState{domain.UnitRetrieving, domain.UnitStaged, domain.UnitFailed}
	if got := rec.transitions[1]; fmt.Sprint(got) != fmt.Sprint(failedPath) {
		t.Errorf("unit 2 transitions = %v, want %v", got, failedPath)
	}
}

func TestOrchestrator_StoresDecodableJPEG(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20230715"))

	if _, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := f.store.GetObject(context.Background(), "target", "out/compressed_images/2023_07/S1|O1.jpeg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %s, want jpeg", format)
	}
	// Two 8x8 frames stacked vertically.
	if cfg.Width != 8 || cfg.Height != 16 {
		t.Errorf("size = %dx%d, want 8x16", cfg.Width, cfg.Height)
	}
	if cfg.ColorModel != color.GrayModel {
		t.Errorf("color model is not gray")
	}
}

func TestOrchestrator_SourceDestinationKey(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20230715"))

	cfg := DefaultConfig()
	cfg.DestinationKey = DestinationSource
	result, err := f.orchestrator(cfg).Run(context.Background(), f.batch, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcomes[0].DestinationKey != "scans/1.dcm" {
		t.Errorf("destination = %s, want scans/1.dcm", result.Outcomes[0].DestinationKey)
	}
	if keys := f.store.keys("target"); len(keys) != 1 || keys[0] != "scans/1.dcm" {
		t.Errorf("stored keys = %v", keys)
	}
}

func TestOrchestrator_FailureStages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		stage domain.UnitState
		kind  ErrorKind
	}{
		{
			name: "missing source object",
			setup: func(f *fixture) {
				f.batch.Files = append(f.batch.Files, "absent.dcm")
			},
			stage: domain.UnitRetrieving,
			kind:  KindRemoteIO,
		},
		{
			name: "unparseable object",
			setup: func(f *fixture) {
				f.store.objects["source/scans/junk.dcm"] = []byte("junk")
				f.batch.Files = append(f.batch.Files, "junk.dcm")
			},
			stage: domain.UnitStaged,
			kind:  KindDecode,
		},
		{
			name: "malformed acquisition date",
			setup: func(f *fixture) {
				f.add("1.dcm", validObject("S1", "O1", "2023-07-15"))
			},
			stage: domain.UnitEncoded,
			kind:  KindData,
		},
		{
			name: "empty object identifier",
			setup: func(f *fixture) {
				f.add("1.dcm", validObject("S1", "", "20230715"))
			},
			stage: domain.UnitEncoded,
			kind:  KindData,
		},
		{
			name: "no pixel frames",
			setup: func(f *fixture) {
				obj := validObject("S1", "O1", "20230715")
				obj.frames = 0
				f.add("1.dcm", obj)
			},
			stage: domain.UnitMetadataExtracted,
			kind:  KindDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			result, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			o := result.Outcomes[0]
			if o.State != domain.UnitFailed {
				t.Fatalf("state = %s, want failed", o.State)
			}
			if o.FailedStage != tt.stage {
				t.Errorf("failed stage = %s, want %s", o.FailedStage, tt.stage)
			}
			if o.Err.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", o.Err.Kind, tt.kind)
			}
			if keys := f.store.keys("target"); len(keys) != 0 {
				t.Errorf("nothing should be stored, got %v", keys)
			}
		})
	}
}

func TestOrchestrator_CleansStagedFiles(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20230715"))
	f.add("2.dcm", validObject("S1", "O2", "bad"))

	if _, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, dir := range []string{f.stager.DownloadDir, f.stager.UploadDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir %s: %v", dir, err)
		}
		if len(entries) != 0 {
			t.Errorf("%s not cleaned: %d entries left", dir, len(entries))
		}
	}
}

func TestOrchestrator_KeepFiles(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20230715"))

	cfg := DefaultConfig()
	cfg.KeepFiles = true
	if _, err := f.orchestrator(cfg).Run(context.Background(), f.batch, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(f.stager.DownloadDir, "1.dcm")); err != nil {
		t.Errorf("staged input missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.stager.UploadDir, "S1|O1.jpeg")); err != nil {
		t.Errorf("staged output missing: %v", err)
	}
}

func TestOrchestrator_BoundedUnits(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.add(fmt.Sprintf("%d.dcm", i), validObject("S1", fmt.Sprintf("O%d", i), "20240102"))
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrentUnits = 2
	cfg.FrameWorkers = 1
	result, err := f.orchestrator(cfg).Run(context.Background(), f.batch, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Done() != 6 {
		t.Errorf("done = %d, want 6", result.Done())
	}
	for i, o := range result.Outcomes {
		if o.File != f.batch.Files[i] {
			t.Errorf("outcome %d is for %s, want %s", i, o.File, f.batch.Files[i])
		}
	}
}

func TestOrchestrator_CancelStopsQueuedUnits(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.add(fmt.Sprintf("%d.dcm", i), validObject("S1", fmt.Sprintf("O%d", i), "20240102"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	f.store.onGet = func(string) { once.Do(cancel) }

	cfg := DefaultConfig()
	cfg.MaxConcurrentUnits = 1
	rec := newRecorder()
	result, err := f.orchestrator(cfg).Run(ctx, f.batch, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Done() != 1 || result.Failed() != 2 {
		t.Fatalf("done/failed = %d/%d, want 1/2", result.Done(), result.Failed())
	}
	for i, o := range result.Outcomes {
		if o.Succeeded() {
			continue
		}
		if o.Err == nil || o.Err.Kind != KindCancelled || o.FailedStage != domain.UnitQueued {
			t.Errorf("unit %d: outcome = %+v", i, o)
			continue
		}
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("unit %d: cause = %v, want context.Canceled", i, o.Err)
		}
		if got := rec.transitions[i]; fmt.Sprint(got) != fmt.Sprint([]domain.UnitState{domain.UnitFailed}) {
			t.Errorf("unit %d transitions = %v", i, got)
		}
	}
	if keys := f.store.keys("target"); len(keys) != 1 {
		t.Errorf("stored keys = %v, want exactly one", keys)
	}
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.add("1.dcm", validObject("S1", "O1", "20240102"))
	f.add("2.dcm", validObject("S1", "O2", "20240102"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, limit := range []int{0, 1} {
		cfg := DefaultConfig()
		cfg.MaxConcurrentUnits = limit
		result, err := f.orchestrator(cfg).Run(ctx, f.batch, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		for i, o := range result.Outcomes {
			if o.State != domain.UnitFailed || o.Err == nil || o.Err.Kind != KindCancelled {
				t.Errorf("limit %d unit %d: outcome = %+v", limit, i, o)
			}
		}
	}
	if keys := f.store.keys("target"); len(keys) != 0 {
		t.Errorf("nothing should be stored, got %v", keys)
	}
}

func TestOrchestrator_InvalidInput(t *testing.T) {
	f := newFixture(t)

	f.batch.TargetBucket = ""
	if _, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, nil); !errors.Is(err, domain.ErrInvalidBatch) {
		t.Errorf("expected ErrInvalidBatch, got %v", err)
	}

	f.batch.TargetBucket = "target"
	cfg := DefaultConfig()
	cfg.DestinationKey = "elsewhere"
	if _, err := f.orchestrator(cfg).Run(context.Background(), f.batch, nil); err == nil {
		t.Error("expected error for unknown destination key mode")
	}

	result, err := f.orchestrator(DefaultConfig()).Run(context.Background(), f.batch, nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(result.Outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d", len(result.Outcomes))
	}
}

func TestUnitError(t *testing.T) {
	cause := storage.ErrObjectNotFound
	err := &UnitError{File: "a.dcm", Stage: domain.UnitRetrieving, Kind: KindRemoteIO, Err: cause}

	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Error("UnitError should unwrap to its cause")
	}
	if got := err.Error(); got != "a.dcm: retrieving failed (remote_io): object not found" {
		t.Errorf("Error() = %q", got)
	}
}
