package pipeline

import (
	"fmt"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

// ErrorKind classifies why a unit of work failed.
type ErrorKind string

const (
	KindRemoteIO  ErrorKind = "remote_io" // retrieval or storage against the object store
	KindStaging   ErrorKind = "staging"   // local staging directories or files
	KindDecode    ErrorKind = "decode"    // malformed object, attribute or pixel payload
	KindFormat    ErrorKind = "format"    // output encoding
	KindData      ErrorKind = "data"      // attribute value in an unexpected format
	KindCancelled ErrorKind = "cancelled" // batch context ended before the unit started
)

// UnitError is the failure of one unit of work. It never escapes the unit as a panic or an
// exit; the orchestrator records it in the unit's Outcome.
type UnitError struct {
	File  string
	Stage domain.UnitState
	Kind  ErrorKind
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %s failed (%s): %v", e.File, e.Stage, e.Kind, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
