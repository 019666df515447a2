// Package partition derives the storage location of a compressed image from its metadata.
package partition

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
)

const (
	// DateLayout is the textual form of the acquisition date attribute (YYYYMMDD).
	DateLayout = "20060102"
	// BucketLayout formats the year-month partition segment (YYYY_MM).
	BucketLayout = "2006_01"
	// Segment is the literal path segment between the destination prefix and the partition.
	Segment = "compressed_images"
	// Extension is appended to every generated file name.
	Extension = ".jpeg"
)

var (
	ErrInvalidDate       = errors.New("invalid acquisition date")
	ErrMissingIdentifier = errors.New("empty series or object identifier")
)

// Attributes are the metadata values a key is derived from.
type Attributes struct {
	SeriesID        string
	ObjectID        string
	AcquisitionDate string
}

// Key is the derived output location of one object.
type Key struct {
	FileName string
	Bucket   string // YYYY_MM
	Path     string
}

// ParseAcquisitionDate parses exactly eight ASCII digits forming a valid calendar date.
func ParseAcquisitionDate(s string) (time.Time, error) {
	if len(s) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q is not 8 digits", ErrInvalidDate, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidDate, s)
		}
	}

	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidDate, s, err)
	}
	return t, nil
}

// FileName returns <series-id>|<object-id>.jpeg.
func FileName(seriesID, objectID string) string {
	return seriesID + "|" + objectID + Extension
}

// Build derives the file name and partition path under prefix:
// <prefix>/compressed_images/<YYYY_MM>/<series-id>|<object-id>.jpeg
func Build(attrs Attributes, prefix string) (Key, error) {
	if attrs.SeriesID == "" || attrs.ObjectID == "" {
		return Key{}, fmt.Errorf("%w: series %q, object %q", ErrMissingIdentifier, attrs.SeriesID, attrs.ObjectID)
	}
	date, err := ParseAcquisitionDate(attrs.AcquisitionDate)
	if err != nil {
		return Key{}, err
	}

	name := FileName(attrs.SeriesID, attrs.ObjectID)
	bucket := date.Format(BucketLayout)

	return Key{
		FileName: name,
		Bucket:   bucket,
		Path:     domain.JoinKey(domain.JoinKey(domain.JoinKey(prefix, Segment), bucket), name),
	}, nil
}
