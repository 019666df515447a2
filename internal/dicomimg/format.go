package dicomimg

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

// OutputFormat is the fixed output policy of the compressor.
type OutputFormat struct {
	ColorModel  string
	Codec       string
	Quality     int
	Extension   string
	ContentType string
}

// GrayscaleJPEG is the only supported output: one 8-bit luma channel, JPEG at maximum quality.
var GrayscaleJPEG = OutputFormat{
	ColorModel:  "gray8",
	Codec:       "jpeg",
	Quality:     100,
	Extension:   ".jpeg",
	ContentType: "image/jpeg",
}

// MaxDimension is the largest width or height image/jpeg will encode.
const MaxDimension = 65535

// ErrImageTooLarge means the frames cannot be laid out within MaxDimension.
var ErrImageTooLarge = errors.New("rendered frames exceed the output dimension limit")

// Grid returns the tile layout of the output image. Frames are stacked top to bottom in a
// single column when that fits; otherwise they fill cols columns left to right, then top
// to bottom, using the fewest columns that keep the height within MaxDimension.
func (r *Rendered) Grid() (cols, rows int, err error) {
	if r.Width <= 0 || r.Height <= 0 || r.Frames <= 0 {
		return 0, 0, fmt.Errorf("grid: empty buffer")
	}
	if r.Height > MaxDimension {
		return 0, 0, fmt.Errorf("%w: frame height %d", ErrImageTooLarge, r.Height)
	}
	perColumn := MaxDimension / r.Height
	cols = (r.Frames + perColumn - 1) / perColumn
	rows = (r.Frames + cols - 1) / cols
	if cols*r.Width > MaxDimension {
		return 0, 0, fmt.Errorf("%w: %d frames of %dx%d need %d columns", ErrImageTooLarge, r.Frames, r.Width, r.Height, cols)
	}
	return cols, rows, nil
}

// Image lays r out per Grid. The single column case shares r's pixel buffer; a grid is a
// copy with unused tiles left black.
func (r *Rendered) Image() (*image.Gray, error) {
	cols, rows, err := r.Grid()
	if err != nil {
		return nil, err
	}
	if cols == 1 {
		return &image.Gray{
			Pix:    r.Pix,
			Stride: r.Width,
			Rect:   image.Rect(0, 0, r.Width, r.Height*r.Frames),
		}, nil
	}

	img := image.NewGray(image.Rect(0, 0, cols*r.Width, rows*r.Height))
	for i := 0; i < r.Frames; i++ {
		frame := r.Frame(i)
		x0, y0 := (i%cols)*r.Width, (i/cols)*r.Height
		for y := 0; y < r.Height; y++ {
			copy(img.Pix[img.PixOffset(x0, y0+y):], frame[y*r.Width:(y+1)*r.Width])
		}
	}
	return img, nil
}

// Encode writes r to w using format.
func Encode(w io.Writer, r *Rendered, format OutputFormat) error {
	if r == nil || len(r.Pix) == 0 {
		return fmt.Errorf("encode: empty buffer")
	}
	if len(r.Pix) != r.Width*r.Height*r.Frames {
		return fmt.Errorf("encode: buffer has %d samples, want %d", len(r.Pix), r.Width*r.Height*r.Frames)
	}

	switch format.Codec {
	case "jpeg":
		img, err := r.Image()
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: format.Quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("encode: unsupported codec %q", format.Codec)
	}
}
