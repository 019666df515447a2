// internal/domain/models.go
package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrInvalidBatch = errors.New("invalid batch descriptor")

// BatchDescriptor describes one invocation: which objects to convert and where to put them.
type BatchDescriptor struct {
	SourceBucket string   `json:"source_bucket"`
	SourcePrefix string   `json:"source_prefix"`
	TargetBucket string   `json:"target_bucket"`
	TargetPrefix string   `json:"target_prefix"`
	Files        []string `json:"files"`
}

// Validate checks the fields every unit of work depends on.
func (d BatchDescriptor) Validate() error {
	if strings.TrimSpace(d.SourceBucket) == "" {
		return fmt.Errorf("%w: source_bucket is required", ErrInvalidBatch)
	}
	if strings.TrimSpace(d.TargetBucket) == "" {
		return fmt.Errorf("%w: target_bucket is required", ErrInvalidBatch)
	}
	seen := make(map[string]int, len(d.Files))
	for i, f := range d.Files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: files[%d] is empty", ErrInvalidBatch, i)
		}
		// Each file is staged under its own name, so two entries naming the same file
		// would share a staging path.
		name := path.Clean("/" + strings.TrimSpace(f))
		if first, dup := seen[name]; dup {
			return fmt.Errorf("%w: files[%d] repeats files[%d] (%s)", ErrInvalidBatch, i, first, f)
		}
		seen[name] = i
	}
	return nil
}

// SourceKey returns the remote key of file: <source_prefix>/<file>.
func (d BatchDescriptor) SourceKey(file string) string {
	return JoinKey(d.SourcePrefix, file)
}

// Chunk splits the descriptor into descriptors of at most size files each.
func (d BatchDescriptor) Chunk(size int) []BatchDescriptor {
	if size <= 0 || len(d.Files) <= size {
		return []BatchDescriptor{d}
	}

	chunks := make([]BatchDescriptor, 0, (len(d.Files)+size-1)/size)
	for start := 0; start < len(d.Files); start += size {
		end := start + size
		if end > len(d.Files) {
			end = len(d.Files)
		}
		chunk := d
		chunk.Files = append([]string(nil), d.Files[start:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// JoinKey joins a prefix and a relative key with a single slash.
func JoinKey(prefix, rel string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	rel = strings.TrimPrefix(strings.TrimSpace(rel), "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// BatchRun is the recorded execution of one BatchDescriptor.
type BatchRun struct {
	ID           string       `json:"id" db:"id"`
	SourceBucket string       `json:"source_bucket" db:"source_bucket"`
	SourcePrefix string       `json:"source_prefix" db:"source_prefix"`
	TargetBucket string       `json:"target_bucket" db:"target_bucket"`
	TargetPrefix string       `json:"target_prefix" db:"target_prefix"`
	Status       BatchStatus  `json:"status" db:"status"`
	TotalUnits   int          `json:"total_units" db:"total_units"`
	DoneUnits    int          `json:"done_units" db:"done_units"`
	FailedUnits  int          `json:"failed_units" db:"failed_units"`
	StartedAt    time.Time    `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	Units        []UnitRecord `json:"units,omitempty" db:"-"`
}

// UnitRecord is the latest known state of one object within a run.
type UnitRecord struct {
	BatchID        string    `json:"-" db:"batch_id"`
	Position       int       `json:"position" db:"position"`
	File           string    `json:"file" db:"file"`
	SourceKey      string    `json:"source_key" db:"source_key"`
	State          UnitState `json:"state" db:"state"`
	FailedStage    UnitState `json:"failed_stage,omitempty" db:"failed_stage"`
	ErrorKind      string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
	DestinationKey string    `json:"destination_key,omitempty" db:"destination_key"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ObjectFilter narrows a source listing by the object's last modification month.
type ObjectFilter struct {
	Year  int
	Month time.Month
}

// Matches reports whether t falls in the filter's year/month; zero fields match anything.
func (f ObjectFilter) Matches(t time.Time) bool {
	if f.Year != 0 && t.Year() != f.Year {
		return false
	}
	if f.Month != 0 && t.Month() != f.Month {
		return false
	}
	return true
}
