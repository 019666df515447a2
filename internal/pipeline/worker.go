package pipeline

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/dicom-compressor/internal/dicomimg"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/partition"
	"github.com/andresuchdata/dicom-compressor/internal/staging"
	"github.com/andresuchdata/dicom-compressor/internal/storage"
)

// Worker converts single objects. One Worker is shared by all units of a batch.
type Worker struct {
	store   storage.ObjectStorage
	stager  *staging.Stager
	decoder Decoder
	config  Config
}

// NewWorker creates a new unit worker
func NewWorker(store storage.ObjectStorage, stager *staging.Stager, decoder Decoder, config Config) *Worker {
	if decoder == nil {
		decoder = DICOMDecoder
	}
	return &Worker{
		store:   store,
		stager:  stager,
		decoder: decoder,
		config:  config,
	}
}

// unit tracks one object while it moves through the state machine.
type unit struct {
	index    int
	file     string
	key      string
	dest     string
	state    domain.UnitState
	observer Observer
	staged   []string
}

func (u *unit) advance(next domain.UnitState, err *UnitError) {
	if !u.state.CanTransition(next) {
		// Unreachable unless the worker steps out of order.
		log.Error().Str("key", u.key).Str("from", string(u.state)).Str("to", string(next)).Msg("illegal unit transition")
		return
	}
	from := u.state
	u.state = next
	if u.observer != nil {
		u.observer.OnTransition(Transition{
			Index:          u.index,
			File:           u.file,
			SourceKey:      u.key,
			From:           from,
			To:             next,
			DestinationKey: u.dest,
			Err:            err,
			At:             time.Now(),
		})
	}
}

func (u *unit) fail(kind ErrorKind, cause error) *UnitError {
	uerr := &UnitError{File: u.file, Stage: u.state, Kind: kind, Err: cause}
	log.Error().
		Stack().
		Err(cause).
		Str("key", u.key).
		Str("stage", string(u.state)).
		Str("kind", string(kind)).
		Msg("unit failed")
	u.advance(domain.UnitFailed, uerr)
	return uerr
}

// Process runs the whole conversion of batch.Files[index] and reports how it ended. Errors
// are captured in the Outcome and never abort the caller.
func (w *Worker) Process(ctx context.Context, batch domain.BatchDescriptor, index int, observer Observer) Outcome {
	start := time.Now()
	file := batch.Files[index]
	u := &unit{
		index:    index,
		file:     file,
		key:      batch.SourceKey(file),
		state:    domain.UnitQueued,
		observer: observer,
	}

	defer func() {
		if !w.config.KeepFiles {
			w.stager.Cleanup(u.staged...)
		}
	}()

	uerr := w.run(ctx, batch, u)

	outcome := Outcome{
		File:           file,
		SourceKey:      u.key,
		State:          u.state,
		DestinationKey: u.dest,
		Duration:       time.Since(start),
	}
	if uerr != nil {
		outcome.Err = uerr
		outcome.FailedStage = uerr.Stage
		return outcome
	}

	log.Info().
		Str("key", u.key).
		Str("destination", u.dest).
		Dur("duration", outcome.Duration).
		Msg("unit done")
	return outcome
}

// Cancel fails batch.Files[index] while it is still queued. The orchestrator uses it for
// units that never got a slot because ctx ended first.
func (w *Worker) Cancel(batch domain.BatchDescriptor, index int, observer Observer, cause error) Outcome {
	file := batch.Files[index]
	u := &unit{
		index:    index,
		file:     file,
		key:      batch.SourceKey(file),
		state:    domain.UnitQueued,
		observer: observer,
	}
	uerr := u.fail(KindCancelled, errors.Wrap(cause, "not started"))
	return Outcome{
		File:        file,
		SourceKey:   u.key,
		State:       u.state,
		FailedStage: uerr.Stage,
		Err:         uerr,
	}
}

func (w *Worker) run(ctx context.Context, batch domain.BatchDescriptor, u *unit) *UnitError {
	u.advance(domain.UnitRetrieving, nil)
	data, err := w.store.GetObject(ctx, batch.SourceBucket, u.key)
	if err != nil {
		return u.fail(KindRemoteIO, errors.Wrap(err, "retrieve"))
	}

	inPath, err := w.stager.WriteInput(u.file, data)
	if err != nil {
		return u.fail(KindStaging, errors.Wrap(err, "stage input"))
	}
	u.staged = append(u.staged, inPath)
	u.advance(domain.UnitStaged, nil)

	obj, err := w.decoder.Decode(inPath)
	if err != nil {
		return u.fail(KindDecode, errors.Wrap(err, "parse object"))
	}
	attrs, err := readAttributes(obj)
	if err != nil {
		return u.fail(KindDecode, err)
	}
	u.advance(domain.UnitMetadataExtracted, nil)

	frames, err := obj.Frames()
	if err != nil {
		return u.fail(KindDecode, errors.Wrap(err, "pixel data"))
	}
	rendered, err := dicomimg.Render(ctx, frames, w.config.FrameWorkers)
	if err != nil {
		return u.fail(KindDecode, errors.WithStack(err))
	}
	u.advance(domain.UnitRendered, nil)

	encoded, outPath, err := w.encode(rendered, partition.FileName(attrs.SeriesID, attrs.ObjectID))
	if outPath != "" {
		u.staged = append(u.staged, outPath)
	}
	if err != nil {
		var stageErr *stagingError
		if errors.As(err, &stageErr) {
			return u.fail(KindStaging, err)
		}
		return u.fail(KindFormat, err)
	}
	u.advance(domain.UnitEncoded, nil)

	key, err := partition.Build(attrs, batch.TargetPrefix)
	if err != nil {
		return u.fail(KindData, errors.Wrap(err, "partition key"))
	}
	if w.config.DestinationKey == DestinationSource {
		u.dest = u.key
	} else {
		u.dest = key.Path
	}
	u.advance(domain.UnitPartitionKeyBuilt, nil)

	if err := w.store.PutObject(ctx, batch.TargetBucket, u.dest, encoded); err != nil {
		return u.fail(KindRemoteIO, errors.Wrap(err, "store"))
	}
	u.advance(domain.UnitStored, nil)

	u.advance(domain.UnitDone, nil)
	return nil
}

type stagingError struct{ err error }

func (e *stagingError) Error() string { return e.err.Error() }
func (e *stagingError) Unwrap() error { return e.err }

// encode writes the rendered buffer to <upload-dir>/<name> and returns the encoded bytes.
func (w *Worker) encode(r *dicomimg.Rendered, name string) ([]byte, string, error) {
	f, err := w.stager.Create(name)
	if err != nil {
		return nil, "", errors.WithStack(&stagingError{err: err})
	}
	path := f.Name()

	var buf bytes.Buffer
	if err := dicomimg.Encode(io.MultiWriter(f, &buf), r, w.config.Format); err != nil {
		f.Close()
		return nil, path, errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return nil, path, errors.WithStack(&stagingError{err: err})
	}
	return buf.Bytes(), path, nil
}

func readAttributes(obj Decoded) (partition.Attributes, error) {
	series, err := obj.Attribute(dicomimg.SeriesInstanceUID)
	if err != nil {
		return partition.Attributes{}, errors.Wrap(err, "series instance uid")
	}
	object, err := obj.Attribute(dicomimg.SOPInstanceUID)
	if err != nil {
		return partition.Attributes{}, errors.Wrap(err, "sop instance uid")
	}
	date, err := obj.Attribute(dicomimg.InstanceCreationDate)
	if err != nil {
		return partition.Attributes{}, errors.Wrap(err, "instance creation date")
	}
	return partition.Attributes{SeriesID: series, ObjectID: object, AcquisitionDate: date}, nil
}
