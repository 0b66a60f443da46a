// Package sparsity provides regularization operators that reduce the
// sparsifying-transform norm of a volume estimate.
package sparsity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tomorecon/internal/models"
	"tomorecon/pkg/plugin"
)

// Minimizer writes to out a version of in with reduced total variation (or
// another sparsity norm). in and out may be the same buffer.
type Minimizer interface {
	Minimize(in, out *models.Buffer) error
}

// StepScaler is implemented by minimizers whose step length follows the
// distance moved by the preceding data-fidelity step.
type StepScaler interface {
	SetStepScale(scale float64)
}

// Unimplemented is the base minimizer. It fails with ErrNotImplemented
// instead of passing data through unchanged.
type Unimplemented struct{}

func init() { plugin.Register("sparsity", func() any { return &Unimplemented{} }) }

func (u *Unimplemented) Minimize(in, out *models.Buffer) error {
	return fmt.Errorf("%w: sparsity minimizer %T does not implement minimize", models.ErrNotImplemented, u)
}

// MaxIters bounds GradientSparsity.NumIters.
const MaxIters = 1000

// tvEpsilon keeps the TV gradient defined where the image is flat.
const tvEpsilon = 1e-8

// GradientSparsity runs normalized steepest descent on the isotropic total
// variation of every slice. Each inner iteration moves the estimate by
// Alpha*scale in the L2 norm, where scale is 1 unless set via SetStepScale.
type GradientSparsity struct {
	NumIters int     `json:"numIters"`
	Alpha    float64 `json:"alpha"`

	scale float64
}

func init() { plugin.Register("gradient-sparsity", func() any { return NewGradientSparsity() }) }

// NewGradientSparsity returns a minimizer with 20 iterations and alpha 0.2.
func NewGradientSparsity() *GradientSparsity {
	return &GradientSparsity{NumIters: 20, Alpha: 0.2, scale: 1}
}

// Validate checks NumIters against [0, MaxIters] and Alpha for sign.
func (g *GradientSparsity) Validate() error {
	if g.NumIters < 0 || g.NumIters > MaxIters {
		return fmt.Errorf("numIters %d outside [0,%d]", g.NumIters, MaxIters)
	}
	if g.Alpha < 0 || math.IsNaN(g.Alpha) {
		return fmt.Errorf("alpha must be non-negative, got %v", g.Alpha)
	}
	return nil
}

func (g *GradientSparsity) SetStepScale(scale float64) {
	g.scale = scale
}

func (g *GradientSparsity) Minimize(in, out *models.Buffer) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSetup, err)
	}
	if in.Len() == 0 || in.NumDims() < 2 {
		return fmt.Errorf("%w: cannot regularize buffer of shape %v", models.ErrInputData, in.Shape)
	}
	if out != in {
		out.Resize(in.Shape)
		copy(out.Data, in.Data)
	}

	step := g.Alpha * g.scale
	if step <= 0 || math.IsInf(step, 0) {
		return nil
	}
	grad := make([]float64, out.Len())
	rows, cols := out.Rows(), out.Cols()
	n := rows * cols
	for it := 0; it < g.NumIters; it++ {
		for z := 0; z < out.Slices(); z++ {
			tvGradient(out.Slice(z), grad[z*n:(z+1)*n], rows, cols)
		}
		norm := floats.Norm(grad, 2)
		if norm == 0 {
			break
		}
		floats.AddScaled(out.Data, -step/norm, grad)
	}
	return nil
}

// forwardDiff returns the forward differences at (r,c), zero at the far edges.
func forwardDiff(img []float64, rows, cols, r, c int) (dx, dy float64) {
	v := img[r*cols+c]
	if c+1 < cols {
		dx = img[r*cols+c+1] - v
	}
	if r+1 < rows {
		dy = img[(r+1)*cols+c] - v
	}
	return dx, dy
}

// tvGradient writes the gradient of the smoothed isotropic TV of img to grad.
func tvGradient(img, grad []float64, rows, cols int) {
	for i := range grad {
		grad[i] = 0
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dx, dy := forwardDiff(img, rows, cols, r, c)
			mag := math.Sqrt(dx*dx + dy*dy + tvEpsilon)
			i := r*cols + c
			grad[i] -= (dx + dy) / mag
			if c+1 < cols {
				grad[i+1] += dx / mag
			}
			if r+1 < rows {
				grad[i+cols] += dy / mag
			}
		}
	}
}

// TotalVariation returns the isotropic total variation of b summed over slices.
func TotalVariation(b *models.Buffer) float64 {
	rows, cols := b.Rows(), b.Cols()
	tv := 0.0
	for z := 0; z < b.Slices(); z++ {
		img := b.Slice(z)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				dx, dy := forwardDiff(img, rows, cols, r, c)
				tv += math.Hypot(dx, dy)
			}
		}
	}
	return tv
}
