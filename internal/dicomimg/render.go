package dicomimg

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// FrameSource gives random access to the decoded frames of one object.
type FrameSource interface {
	NumFrames() int
	Frame(i int) (image.Image, error)
}

// Rendered is a flat single-channel 8-bit buffer holding all frames in frame-major order.
// Frame i occupies Pix[i*Width*Height : (i+1)*Width*Height].
type Rendered struct {
	Width  int
	Height int
	Frames int
	Pix    []byte
}

// FrameLen is the number of samples in one frame.
func (r *Rendered) FrameLen() int {
	return r.Width * r.Height
}

// Frame returns the samples of frame i.
func (r *Rendered) Frame(i int) []byte {
	n := r.FrameLen()
	return r.Pix[i*n : (i+1)*n]
}

// window maps modality values onto 0..255. Every frame of one object shares a window so
// brightness is consistent across frames.
type window struct {
	lo, hi float64
	set    bool
}

func (w *window) include(lo, hi float64) {
	if !w.set {
		w.lo, w.hi, w.set = lo, hi, true
		return
	}
	w.lo = math.Min(w.lo, lo)
	w.hi = math.Max(w.hi, hi)
}

func (w window) scale(v float64) uint8 {
	span := w.hi - w.lo
	if span <= 0 {
		return 0
	}
	out := math.Round((v - w.lo) * 255 / span)
	switch {
	case out < 0:
		return 0
	case out > 255:
		return 255
	}
	return uint8(out)
}

// valueRange reports the modality range of images that need windowing. 8-bit and colour
// images report false.
func valueRange(img image.Image) (lo, hi float64, ok bool) {
	switch src := img.(type) {
	case *Samples:
		if len(src.Values) == 0 {
			return 0, 0, false
		}
		minV, maxV := src.Values[0], src.Values[0]
		for _, v := range src.Values[1:] {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		lo, hi = src.modality(minV), src.modality(maxV)
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	case *image.Gray16:
		b := src.Bounds()
		if b.Empty() {
			return 0, 0, false
		}
		minV, maxV := uint16(0xffff), uint16(0)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := src.Gray16At(x, y).Y
				if v < minV {
					minV = v
				}
				if v > maxV {
					maxV = v
				}
			}
		}
		return float64(minV), float64(maxV), true
	}
	return 0, 0, false
}

// windowOf is the window shared by imgs.
func windowOf(imgs ...image.Image) window {
	var w window
	for _, img := range imgs {
		if lo, hi, ok := valueRange(img); ok {
			w.include(lo, hi)
		}
	}
	return w
}

// Render converts every frame of src to 8-bit grayscale on up to workers goroutines and
// concatenates the results in ascending frame order. workers <= 0 uses runtime.NumCPU().
//
// Frames are decoded first, then one window is taken over the whole object and every
// frame is mapped through it.
func Render(ctx context.Context, src FrameSource, workers int) (*Rendered, error) {
	n := src.NumFrames()
	if n == 0 {
		return nil, fmt.Errorf("render: %w", ErrNoPixelData)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	imgs := make([]image.Image, n)
	ranges := make([]window, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := src.Frame(i)
			if err != nil {
				return err
			}
			imgs[i] = img
			if lo, hi, ok := valueRange(img); ok {
				ranges[i].include(lo, hi)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	b0 := imgs[0].Bounds()
	width, height := b0.Dx(), b0.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("render: frame 0 is empty (%dx%d)", width, height)
	}
	var win window
	for i, img := range imgs {
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			return nil, fmt.Errorf("render: frame %d is %dx%d, frame 0 is %dx%d", i, b.Dx(), b.Dy(), width, height)
		}
		if ranges[i].set {
			win.include(ranges[i].lo, ranges[i].hi)
		}
	}

	out := &Rendered{
		Width:  width,
		Height: height,
		Frames: n,
		Pix:    make([]byte, width*height*n),
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			toGray8(out.Frame(i), imgs[i], win)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return out, nil
}

// toGray8 writes the samples of img as 8-bit luma, row by row, into dst. Images that carry
// more than 8 bits are mapped through win.
func toGray8(dst []byte, img image.Image, win window) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst[y*w:(y+1)*w], src.Pix[start:start+w])
		}
	case *Samples:
		for i, v := range src.Values {
			g := win.scale(src.modality(v))
			if src.Invert {
				g = 255 - g
			}
			dst[i] = g
		}
	case *image.Gray16:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst[i] = win.scale(float64(src.Gray16At(x, y).Y))
				i++
			}
		}
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst[i] = color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
				i++
			}
		}
	}
}
