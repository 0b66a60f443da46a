// Package elementwise holds the buffer arithmetic kernels the reconstruction
// methods are built from.
package elementwise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tomorecon/internal/models"
)

func checkLen(dst, src *models.Buffer) error {
	if dst.Len() != src.Len() {
		return fmt.Errorf("%w: shape %v does not match %v", models.ErrInputData, dst.Shape, src.Shape)
	}
	return nil
}

// Set assigns v to every sample.
func Set(b *models.Buffer, v float64) {
	for i := range b.Data {
		b.Data[i] = v
	}
}

// Copy copies src into dst.
func Copy(dst, src *models.Buffer) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	copy(dst.Data, src.Data)
	return nil
}

// Add computes dst += src.
func Add(dst, src *models.Buffer) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	floats.Add(dst.Data, src.Data)
	return nil
}

// AddScaled computes dst += alpha*src.
func AddScaled(dst *models.Buffer, alpha float64, src *models.Buffer) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	floats.AddScaled(dst.Data, alpha, src.Data)
	return nil
}

// Mul computes dst *= src elementwise.
func Mul(dst, src *models.Buffer) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	floats.Mul(dst.Data, src.Data)
	return nil
}

// MulRows computes dst *= src restricted to rows [offset, offset+n) of every
// slice. For sinograms a row is one projection angle.
func MulRows(dst, src *models.Buffer, offset, n int) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	rows := dst.Rows()
	if offset < 0 || n < 0 || offset+n > rows {
		return fmt.Errorf("%w: rows [%d,%d) outside [0,%d)", models.ErrInputData, offset, offset+n, rows)
	}
	cols := dst.Cols()
	for z := 0; z < dst.Slices(); z++ {
		lo := (z*rows + offset) * cols
		hi := lo + n*cols
		floats.Mul(dst.Data[lo:hi], src.Data[lo:hi])
	}
	return nil
}

// Invert replaces every sample x by 1/x. Samples that are zero, negative or
// not finite become 0, so rays or voxels never covered by the projector get
// zero weight instead of an infinite one.
func Invert(b *models.Buffer) {
	for i, v := range b.Data {
		if v > 0 && !math.IsInf(v, 0) {
			inv := 1 / v
			if !math.IsInf(inv, 0) {
				b.Data[i] = inv
				continue
			}
		}
		b.Data[i] = 0
	}
}

// ClampMin raises every sample below lo to lo.
func ClampMin(b *models.Buffer, lo float64) {
	for i, v := range b.Data {
		if v < lo {
			b.Data[i] = lo
		}
	}
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b *models.Buffer) (float64, error) {
	if err := checkLen(a, b); err != nil {
		return 0, err
	}
	return floats.Distance(a.Data, b.Data, 2), nil
}

// RMS returns the root mean square of the samples.
func RMS(b *models.Buffer) float64 {
	if b.Len() == 0 {
		return 0
	}
	return floats.Norm(b.Data, 2) / math.Sqrt(float64(b.Len()))
}
