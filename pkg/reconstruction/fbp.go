package reconstruction

import (
	"context"
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/elementwise"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/subset"
)

// FBP is filtered backprojection for parallel-beam data. Every sinogram row
// is convolved with a ramp filter and the result is backprojected with the
// angular step as relaxation. The output is overwritten, so FBP can serve as
// the starting estimate of an iterative method.
type FBP struct {
	base

	// Filter selects the ramp window, RamLak (default) or SheppLogan
	Filter string `json:"filter"`

	projector projector.Projector
	filtered  *models.Buffer
}

var _ Method = (*FBP)(nil)

func init() { plugin.Register("fbp", func() any { return NewFBP(nil) }) }

// NewFBP returns an unconfigured FBP method with the Ram-Lak filter.
func NewFBP(p projector.Projector) *FBP {
	f := &FBP{Filter: RamLak, projector: p}
	f.name = "fbp"
	return f
}

// Validate rejects unknown filter names.
func (f *FBP) Validate() error {
	_, err := newRampFilter(1, 1, f.Filter)
	return err
}

func (f *FBP) Attach(key string, value any) error {
	if key != "projector" && key != "projectionModel" {
		return fmt.Errorf("unknown nested property %q", key)
	}
	p, ok := value.(projector.Projector)
	if !ok {
		return fmt.Errorf("%q expects a projector, got %T", key, value)
	}
	f.projector = p
	return nil
}

func (f *FBP) Release() {
	f.base.Release()
	f.filtered = nil
}

// angularStep returns the angle between consecutive projections.
func angularStep(g geometry.Geometry, nAngles int) float64 {
	if pg, ok := g.(*geometry.Parallel); ok && pg.AngleStep != 0 {
		return math.Abs(pg.AngleStep)
	}
	return math.Pi / float64(nAngles)
}

// detectorSpacing returns the distance between neighbouring detector samples.
func detectorSpacing(g geometry.Geometry) float64 {
	if pg, ok := g.(*geometry.Parallel); ok && pg.DetectorScale > 0 {
		return pg.DetectorScale
	}
	return 1
}

func (f *FBP) Process(ctx context.Context, input, output *models.Buffer) (res Result, err error) {
	if err := f.begin(); err != nil {
		return Result{}, err
	}
	if f.projector == nil || f.projector.Geometry() == nil {
		return Result{}, fmt.Errorf("%w: fbp has no projector", models.ErrSetup)
	}
	dims, err := models.DimsFromBuffers(input, output)
	if err != nil {
		return Result{}, err
	}
	g := f.projector.Geometry()
	if err := g.Configure(dims); err != nil {
		return Result{}, err
	}
	subsets, err := subset.Sequential{}.Plan(g.Table())
	if err != nil {
		return Result{}, err
	}
	if _, err := newRampFilter(dims.NDetectors, detectorSpacing(g), f.Filter); err != nil {
		return Result{}, fmt.Errorf("%w: fbp: %v", models.ErrSetup, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	defer func() { f.finish(err) }()
	f.state = Iterating

	f.filtered = resized(f.filtered, input.Shape)
	q, filtered := f.res.Queue, f.filtered
	q.Submit(func() error { return f.filter(input, filtered, dims, detectorSpacing(g)) })
	submit(q, func() { elementwise.Set(output, 0) })
	step := angularStep(g, dims.NAngles)
	for _, s := range subsets {
		projector.BP(q, f.projector, output, filtered, s, step)
	}
	if err := q.Finish(); err != nil {
		return Result{}, fmt.Errorf("fbp: %w", err)
	}
	fmt.Fprintf(f.log(), "FBP: %d angles, %s filter\n", dims.NAngles, f.Filter)
	f.dump("volume", output)
	return Result{Iterations: 1, Complete: true}, nil
}

// filter ramp-filters every sinogram row of src into dst, one slice per goroutine.
func (f *FBP) filter(src, dst *models.Buffer, dims models.GeometryDims, spacing float64) error {
	slices := dims.Slices()
	errs := make([]error, slices)
	device.ParallelFor(slices, f.res.MaxThreads, func(z int) {
		rf, err := newRampFilter(dims.NDetectors, spacing, f.Filter)
		if err != nil {
			errs[z] = err
			return
		}
		for a := 0; a < dims.NAngles; a++ {
			rf.apply(dst.Row(z, a), src.Row(z, a))
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
