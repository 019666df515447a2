package dicomimg

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/suyashkumar/dicom/pkg/frame"
)

// Samples is one frame of stored pixel values that still needs a window to reach 8 bits.
// The modality value of Values[i] is Slope*Values[i] + Intercept. Values are row major.
type Samples struct {
	Rect      image.Rectangle
	Values    []int32
	Slope     float64
	Intercept float64
	// Invert marks MONOCHROME1 data, where the lowest value is displayed brightest.
	Invert bool
}

func (s *Samples) ColorModel() color.Model { return color.Gray16Model }

func (s *Samples) Bounds() image.Rectangle { return s.Rect }

// At returns the modality value clamped to 16 bits. Rendering does not use it.
func (s *Samples) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(s.Rect)) {
		return color.Gray16{}
	}
	v := s.modality(s.Values[(y-s.Rect.Min.Y)*s.Rect.Dx()+(x-s.Rect.Min.X)])
	switch {
	case v < 0:
		v = 0
	case v > 0xffff:
		v = 0xffff
	}
	return color.Gray16{Y: uint16(v)}
}

func (s *Samples) modality(v int32) float64 {
	return s.Slope*float64(v) + s.Intercept
}

// pixelLayout is how the dataset says native samples are stored and scaled.
type pixelLayout struct {
	bitsStored      int // 0 means the frame's bits allocated
	signed          bool
	samplesPerPixel int
	planar          bool
	photometric     string
	slope           float64
	intercept       float64
}

func (l pixelLayout) identity() bool {
	return l.slope == 1 && l.intercept == 0
}

// image converts one native frame. Unsigned 8-bit data without a rescale is returned as
// *image.Gray and is never windowed; everything else becomes *Samples.
func (l pixelLayout) image(nf *frame.NativeFrame) (image.Image, error) {
	rows, cols := nf.Rows, nf.Cols
	pixels := rows * cols
	if pixels <= 0 {
		return nil, fmt.Errorf("frame has no pixels (%dx%d)", cols, rows)
	}
	if len(nf.Data) != pixels {
		return nil, fmt.Errorf("frame has %d pixels, want %dx%d", len(nf.Data), cols, rows)
	}

	spp := l.samplesPerPixel
	if spp <= 0 {
		spp = 1
	}
	if spp != 1 && spp != 3 {
		return nil, fmt.Errorf("unsupported samples per pixel %d", spp)
	}
	for p, px := range nf.Data {
		if len(px) < spp {
			return nil, fmt.Errorf("pixel %d has %d samples, want %d", p, len(px), spp)
		}
	}

	bits := nf.BitsPerSample
	stored := l.bitsStored
	if stored <= 0 || stored > bits {
		stored = bits
	}
	if stored <= 0 || stored > 32 {
		return nil, fmt.Errorf("unsupported bits stored %d", stored)
	}

	sample := func(p, s int) int32 {
		var raw int
		if l.planar && spp > 1 {
			idx := s*pixels + p
			raw = nf.Data[idx/spp][idx%spp]
		} else {
			raw = nf.Data[p][s]
		}
		v := int64(raw) & (int64(1)<<stored - 1)
		if l.signed && v&(int64(1)<<(stored-1)) != 0 {
			v -= int64(1) << stored
		}
		return int32(v)
	}

	// YBR data carries luma in its first sample.
	luma := spp == 3 && !strings.HasPrefix(l.photometric, "YBR")
	value := func(p int) int32 {
		if !luma {
			return sample(p, 0)
		}
		r, g, b := int64(sample(p, 0)), int64(sample(p, 1)), int64(sample(p, 2))
		return int32((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
	}

	invert := l.photometric == "MONOCHROME1"
	rect := image.Rect(0, 0, cols, rows)

	if bits == 8 && !l.signed && l.identity() {
		img := image.NewGray(rect)
		for p := 0; p < pixels; p++ {
			v := uint8(value(p))
			if invert {
				v = 255 - v
			}
			img.Pix[p] = v
		}
		return img, nil
	}

	out := &Samples{
		Rect:      rect,
		Values:    make([]int32, pixels),
		Slope:     l.slope,
		Intercept: l.intercept,
		Invert:    invert,
	}
	for p := 0; p < pixels; p++ {
		out.Values[p] = value(p)
	}
	return out, nil
}
