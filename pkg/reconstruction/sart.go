package reconstruction

import (
	"context"
	"fmt"

	"tomorecon/internal/models"
	"tomorecon/pkg/elementwise"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/projector"
)

// SART is the Simultaneous Algebraic Reconstruction Technique. Every outer
// iteration visits the planned subsets in order; each subset projects the
// current estimate, weights the mismatch by the inverse ray coverage and
// backprojects it before the next subset is projected.
type SART struct {
	algebraic
}

var _ Method = (*SART)(nil)

func init() { plugin.Register("sart", func() any { return NewSART(nil, 0, 1) }) }

// NewSART returns an unconfigured SART method.
func NewSART(p projector.Projector, relaxation float64, maxIterations int) *SART {
	s := &SART{}
	s.name = "sart"
	s.projector = p
	s.RelaxationFactor = relaxation
	s.MaxIterations = maxIterations
	return s
}

func (s *SART) Process(ctx context.Context, input, output *models.Buffer) (res Result, err error) {
	if err := s.begin(); err != nil {
		return Result{}, err
	}
	subsets, err := s.prepare(input, output)
	if err != nil {
		return Result{}, err
	}
	defer func() { s.finish(err) }()

	q, st, p := s.res.Queue, s.st, s.projector
	s.computeRayWeights(subsets)
	if err := q.Finish(); err != nil {
		return Result{}, fmt.Errorf("sart: computing ray weights: %w", err)
	}
	s.dump("ray-weights", st.rayWeights)

	s.state = Iterating
	for it := 0; it < s.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return Result{Iterations: it}, err
		}
		q.Submit(func() error { return elementwise.Copy(st.residual, input) })
		for _, sub := range subsets {
			sub := sub
			projector.FP(q, p, output, st.residual, sub, -1)
			q.Submit(func() error { return elementwise.MulRows(st.residual, st.rayWeights, sub.Offset, sub.N) })
			projector.BP(q, p, output, st.residual, sub, s.RelaxationFactor)
		}
		if err := q.Finish(); err != nil {
			return Result{Iterations: it}, fmt.Errorf("sart: iteration %d: %w", it+1, err)
		}
		fmt.Fprintf(s.log(), "SART iteration %d/%d, weighted residual RMS %.6g\n",
			it+1, s.MaxIterations, elementwise.RMS(st.residual))
	}
	s.dump("volume", output)
	return Result{Iterations: s.MaxIterations, Complete: true}, nil
}
