// Package debug writes intermediate buffers to image files for inspection.
// Dumping never influences reconstruction results.
package debug

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"tomorecon/internal/models"
)

// Dumper serializes a named buffer.
type Dumper interface {
	Dump(name string, b *models.Buffer) error
}

// Nop discards every dump.
type Nop struct{}

func (Nop) Dump(string, *models.Buffer) error { return nil }

// TIFFDumper writes one 16-bit grayscale TIFF per slice of a buffer into Dir.
// Samples are scaled so that the buffer minimum maps to black and the
// maximum to white.
type TIFFDumper struct {
	// Dir is the output directory, created on first use
	Dir string

	// Axis selects the slicing plane: "z" (default) cuts along the outermost
	// dimension, "y" and "x" along rows and columns
	Axis string

	// Deflate enables compressed output
	Deflate bool

	count int
}

// NewTIFFDumper returns a dumper writing z slices into dir.
func NewTIFFDumper(dir string) *TIFFDumper {
	return &TIFFDumper{Dir: dir, Axis: "z"}
}

// Dump writes <dir>/<seq>_<name>_<axis><pos>.tif for every slice of b.
// The sequence number keeps repeated dumps of the same name apart.
func (d *TIFFDumper) Dump(name string, b *models.Buffer) error {
	if b.Len() == 0 {
		return fmt.Errorf("cannot dump empty buffer %q", name)
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("error creating dump directory: %w", err)
	}
	axis := d.Axis
	if axis == "" {
		axis = "z"
	}
	n, err := extent(b, axis)
	if err != nil {
		return err
	}
	lo, hi := bounds(b.Data)
	d.count++
	for pos := 0; pos < n; pos++ {
		img, err := SliceImage(b, axis, pos, lo, hi)
		if err != nil {
			return err
		}
		path := filepath.Join(d.Dir, fmt.Sprintf("%03d_%s_%s%03d.tif", d.count, name, axis, pos))
		if err := d.write(path, img); err != nil {
			return err
		}
	}
	return nil
}

func (d *TIFFDumper) write(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	opts := &tiff.Options{Compression: tiff.Uncompressed, Predictor: false}
	if d.Deflate {
		opts = &tiff.Options{Compression: tiff.Deflate, Predictor: true}
	}
	if err := tiff.Encode(f, img, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extent returns the number of slices of b along axis.
func extent(b *models.Buffer, axis string) (int, error) {
	switch axis {
	case "x", "X":
		return b.Cols(), nil
	case "y", "Y":
		return b.Rows(), nil
	case "z", "Z":
		return b.Slices(), nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

func bounds(data []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// SliceImage extracts slice pos of b along axis as a Gray16 image, mapping
// [lo,hi] linearly onto the full 16-bit range. Non-finite samples are black.
func SliceImage(b *models.Buffer, axis string, pos int, lo, hi float64) (*image.Gray16, error) {
	n, err := extent(b, axis)
	if err != nil {
		return nil, err
	}
	if pos < 0 || pos >= n {
		return nil, fmt.Errorf("position %d outside [0,%d) along %s", pos, n, axis)
	}
	depth, height, width := b.Slices(), b.Rows(), b.Cols()
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	at := func(z, y, x int) color.Gray16 {
		v := b.Data[(z*height+y)*width+x]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return color.Gray16{}
		}
		return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, (v-lo)*scale)))}
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, at(z, y, pos))
			}
		}
	case "y", "Y":
		// XZ plane
		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, at(z, pos, x))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, at(pos, y, x))
			}
		}
	}
	return img, nil
}
