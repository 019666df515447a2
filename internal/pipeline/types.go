package pipeline

import (
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/andresuchdata/dicom-compressor/internal/dicomimg"
	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

// Destination key modes.
const (
	DestinationPartition = "partition" // <target_prefix>/compressed_images/<YYYY_MM>/<series>|<object>.jpeg
	DestinationSource    = "source"    // <source_prefix>/<file>, the legacy upload key
)

// Decoded is a staged object opened for reading.
type Decoded interface {
	Attribute(t tag.Tag) (string, error)
	Frames() (dicomimg.FrameSource, error)
}

// Decoder opens a staged file.
type Decoder interface {
	Decode(path string) (Decoded, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(path string) (Decoded, error)

func (f DecoderFunc) Decode(path string) (Decoded, error) {
	return f(path)
}

// DICOMDecoder decodes staged files with the DICOM parser.
var DICOMDecoder Decoder = DecoderFunc(func(path string) (Decoded, error) {
	obj, err := dicomimg.Open(path)
	if err != nil {
		return nil, err
	}
	return obj, nil
})

// Config holds the knobs of an Orchestrator.
type Config struct {
	MaxConcurrentUnits int // 0 runs every unit at once
	FrameWorkers       int // 0 means runtime.NumCPU()
	DestinationKey     string
	KeepFiles          bool
	Format             dicomimg.OutputFormat
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DestinationKey: DestinationPartition,
		Format:         dicomimg.GrayscaleJPEG,
	}
}

// Transition is one state change of a unit of work.
type Transition struct {
	Index     int
	File      string
	SourceKey string
	From      domain.UnitState
	To        domain.UnitState
	// DestinationKey is set once the unit knows where its output goes.
	DestinationKey string
	Err            *UnitError
	At             time.Time
}

// Observer receives every unit transition. Calls arrive concurrently from many units.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// Outcome is the final result of one unit of work.
type Outcome struct {
	File           string
	SourceKey      string
	State          domain.UnitState
	FailedStage    domain.UnitState
	Err            *UnitError
	DestinationKey string
	Duration       time.Duration
}

// Succeeded reports whether the unit reached done.
func (o Outcome) Succeeded() bool {
	return o.State == domain.UnitDone
}

// BatchResult holds one Outcome per file, in descriptor order.
type BatchResult struct {
	Outcomes []Outcome
	Started  time.Time
	Duration time.Duration
}

// Done returns the number of units that reached done.
func (r *BatchResult) Done() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed units.
func (r *BatchResult) Failed() int {
	return len(r.Outcomes) - r.Done()
}
