// Package dicomimg reads metadata and pixel frames from staged DICOM files and renders
// them into single-channel 8-bit buffers.
package dicomimg

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	ErrAttributeMissing = errors.New("attribute not present")
	ErrAttributeNotText = errors.New("attribute value is not text")
	ErrNoPixelData      = errors.New("object has no pixel data")
)

// Attributes read by the pipeline.
var (
	SeriesInstanceUID    = tag.SeriesInstanceUID
	SOPInstanceUID       = tag.SOPInstanceUID
	InstanceCreationDate = tag.InstanceCreationDate
)

// Object is a parsed DICOM file.
type Object struct {
	path    string
	dataset dicom.Dataset
}

// Open parses the DICOM file at path.
func Open(path string) (*Object, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("dicom: parse failed")
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Object{path: path, dataset: ds}, nil
}

// NewObject wraps an already parsed dataset.
func NewObject(path string, ds dicom.Dataset) *Object {
	return &Object{path: path, dataset: ds}
}

// Path returns the file the object was read from.
func (o *Object) Path() string {
	return o.path
}

// Attribute returns the textual value of t. Multi-valued attributes are joined with a
// backslash; numeric values are formatted in decimal. An empty value is returned as "".
func (o *Object) Attribute(t tag.Tag) (string, error) {
	text, err := o.text(t)
	if err != nil {
		log.Error().Err(err).Str("path", o.path).Str("tag", t.String()).Msg("dicom: attribute access failed")
		return "", err
	}
	return text, nil
}

func (o *Object) text(t tag.Tag) (string, error) {
	elem, err := o.dataset.FindElementByTag(t)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAttributeMissing, t)
	}
	if elem.Value == nil {
		return "", fmt.Errorf("%w: %s has no value", ErrAttributeNotText, t)
	}

	var parts []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		parts = v
	case []int:
		for _, n := range v {
			parts = append(parts, strconv.Itoa(n))
		}
	case []float64:
		for _, f := range v {
			parts = append(parts, strconv.FormatFloat(f, 'g', -1, 64))
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrAttributeNotText, t)
	}

	return strings.TrimSpace(strings.TrimRight(strings.Join(parts, "\\"), "\x00 ")), nil
}

// Frames exposes the object's pixel data as a FrameSource.
func (o *Object) Frames() (FrameSource, error) {
	elem, err := o.dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.path, ErrNoPixelData)
	}
	if elem.Value == nil || elem.Value.ValueType() != dicom.PixelData {
		return nil, fmt.Errorf("%s: pixel data element has unexpected value type", o.path)
	}

	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("%s: pixel data element has unexpected value type", o.path)
	}
	if info.IntentionallySkipped {
		return nil, fmt.Errorf("%s: %w (skipped while parsing)", o.path, ErrNoPixelData)
	}
	if info.ParseErr != nil {
		return nil, fmt.Errorf("%s: pixel data unreadable: %w", o.path, info.ParseErr)
	}

	layout, err := o.pixelLayout()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.path, err)
	}
	return &pixelFrames{info: info, layout: layout}, nil
}

func (o *Object) pixelLayout() (pixelLayout, error) {
	l := pixelLayout{
		bitsStored:      o.intAttr(tag.BitsStored, 0),
		signed:          o.intAttr(tag.PixelRepresentation, 0) == 1,
		samplesPerPixel: o.intAttr(tag.SamplesPerPixel, 1),
		planar:          o.intAttr(tag.PlanarConfiguration, 0) == 1,
		slope:           1,
	}
	if p, err := o.text(tag.PhotometricInterpretation); err == nil {
		l.photometric = strings.ToUpper(p)
	}

	var err error
	if l.slope, err = o.floatAttr(tag.RescaleSlope, 1); err != nil {
		return l, err
	}
	if l.slope == 0 {
		l.slope = 1
	}
	if l.intercept, err = o.floatAttr(tag.RescaleIntercept, 0); err != nil {
		return l, err
	}
	return l, nil
}

// intAttr returns the first integer of t, or def when t is absent or not numeric.
func (o *Object) intAttr(t tag.Tag, def int) int {
	elem, err := o.dataset.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return def
	}
	if ints, ok := elem.Value.GetValue().([]int); ok && len(ints) > 0 {
		return ints[0]
	}
	return def
}

// floatAttr parses the first value of a decimal string attribute such as RescaleSlope.
func (o *Object) floatAttr(t tag.Tag, def float64) (float64, error) {
	text, err := o.text(t)
	if errors.Is(err, ErrAttributeMissing) || (err == nil && text == "") {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(text, "\\")
	f, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number: %w", t, text, err)
	}
	return f, nil
}

type pixelFrames struct {
	info   dicom.PixelDataInfo
	layout pixelLayout
}

func (p *pixelFrames) NumFrames() int {
	return len(p.info.Frames)
}

// Frame returns frame i. Native frames are converted from their stored samples;
// encapsulated frames are decoded by their codec.
func (p *pixelFrames) Frame(i int) (image.Image, error) {
	if i < 0 || i >= len(p.info.Frames) {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", i, len(p.info.Frames))
	}
	f := p.info.Frames[i]
	if f.IsEncapsulated() {
		img, err := f.GetImage()
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", i, err)
		}
		return img, nil
	}

	native, err := f.GetNativeFrame()
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	img, err := p.layout.image(native)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	return img, nil
}
