package reconstruction

import (
	"context"
	"fmt"

	"tomorecon/internal/models"
	"tomorecon/pkg/elementwise"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/projector"
)

// SIRT is the Simultaneous Iterative Reconstruction Technique. Unlike SART,
// all subsets of one iteration are projected from the same estimate and
// their backprojections are combined into a single update, normalized by the
// inverse ray and voxel coverage:
//
//	x += relaxation * C * A^T * R * (b - A x)
type SIRT struct {
	algebraic
}

var _ Method = (*SIRT)(nil)

func init() { plugin.Register("sirt", func() any { return NewSIRT(nil, 0, 1) }) }

// NewSIRT returns an unconfigured SIRT method.
func NewSIRT(p projector.Projector, relaxation float64, maxIterations int) *SIRT {
	s := &SIRT{}
	s.name = "sirt"
	s.projector = p
	s.RelaxationFactor = relaxation
	s.MaxIterations = maxIterations
	return s
}

func (s *SIRT) Process(ctx context.Context, input, output *models.Buffer) (res Result, err error) {
	if err := s.begin(); err != nil {
		return Result{}, err
	}
	subsets, err := s.prepare(input, output)
	if err != nil {
		return Result{}, err
	}
	defer func() { s.finish(err) }()

	q, st, p := s.res.Queue, s.st, s.projector
	st.update = resized(st.update, output.Shape)
	s.computeRayWeights(subsets)
	s.computeVoxelWeights(subsets, output.Shape)
	if err := q.Finish(); err != nil {
		return Result{}, fmt.Errorf("sirt: computing weights: %w", err)
	}
	s.dump("ray-weights", st.rayWeights)
	s.dump("voxel-weights", st.voxelWeights)

	s.state = Iterating
	for it := 0; it < s.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return Result{Iterations: it}, err
		}
		q.Submit(func() error { return elementwise.Copy(st.residual, input) })
		for _, sub := range subsets {
			projector.FP(q, p, output, st.residual, sub, -1)
		}
		q.Submit(func() error { return elementwise.Mul(st.residual, st.rayWeights) })
		submit(q, func() { elementwise.Set(st.update, 0) })
		for _, sub := range subsets {
			projector.BP(q, p, st.update, st.residual, sub, 1)
		}
		q.Submit(func() error { return elementwise.Mul(st.update, st.voxelWeights) })
		q.Submit(func() error { return elementwise.AddScaled(output, s.RelaxationFactor, st.update) })
		if err := q.Finish(); err != nil {
			return Result{Iterations: it}, fmt.Errorf("sirt: iteration %d: %w", it+1, err)
		}
		fmt.Fprintf(s.log(), "SIRT iteration %d/%d, weighted residual RMS %.6g\n",
			it+1, s.MaxIterations, elementwise.RMS(st.residual))
	}
	s.dump("volume", output)
	return Result{Iterations: s.MaxIterations, Complete: true}, nil
}
