package reconstruction

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/elementwise"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/subset"
)

// methodState holds the scratch buffers of an algebraic method. Buffers are
// allocated on the first call to Process and resized on every call.
type methodState struct {
	// singularVolume is a volume of ones, projected to obtain ray weights
	singularVolume *models.Buffer

	// singularSino is a sinogram of ones, backprojected to obtain voxel weights
	singularSino *models.Buffer

	// rayWeights holds the inverse ray coverage per sinogram sample
	rayWeights *models.Buffer

	// residual holds the current data-fidelity mismatch
	residual *models.Buffer

	// voxelWeights and update are only used by block-simultaneous methods
	voxelWeights *models.Buffer
	update       *models.Buffer
}

func resized(b *models.Buffer, shape []int) *models.Buffer {
	if b == nil {
		return models.NewBuffer(shape...)
	}
	b.Resize(shape)
	return b
}

// algebraic carries the configuration shared by SART and SIRT.
type algebraic struct {
	base

	// RelaxationFactor damps every backprojection update, typically in (0,1].
	// There is no default; it must be set explicitly.
	RelaxationFactor float64 `json:"relaxationFactor"`

	// MaxIterations is the number of outer iterations. Zero is a legal no-op.
	MaxIterations int `json:"maxIterations"`

	projector projector.Projector
	planner   subset.Planner
	st        *methodState
}

// SetProjector replaces the projection model.
func (a *algebraic) SetProjector(p projector.Projector) { a.projector = p }

// Projector returns the projection model, or nil.
func (a *algebraic) Projector() projector.Projector { return a.projector }

// SetPlanner replaces the subset planner. The default is subset.Sequential.
func (a *algebraic) SetPlanner(p subset.Planner) { a.planner = p }

func (a *algebraic) Attach(key string, value any) error {
	switch key {
	case "projector", "projectionModel":
		p, ok := value.(projector.Projector)
		if !ok {
			return fmt.Errorf("%q expects a projector, got %T", key, value)
		}
		a.projector = p
	case "planner":
		p, ok := value.(subset.Planner)
		if !ok {
			return fmt.Errorf("%q expects a subset planner, got %T", key, value)
		}
		a.planner = p
	default:
		return fmt.Errorf("unknown nested property %q", key)
	}
	return nil
}

// Validate checks the relaxation factor and iteration count.
func (a *algebraic) Validate() error {
	if a.RelaxationFactor <= 0 || math.IsNaN(a.RelaxationFactor) || math.IsInf(a.RelaxationFactor, 0) {
		return fmt.Errorf("relaxationFactor must be set to a positive value, got %v", a.RelaxationFactor)
	}
	if a.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be non-negative, got %d", a.MaxIterations)
	}
	return nil
}

func (a *algebraic) Release() {
	a.base.Release()
	a.st = nil
}

// prepare validates the configuration against the buffers, configures the
// geometry and plans the subsets.
func (a *algebraic) prepare(input, output *models.Buffer) ([]subset.Subset, error) {
	if a.projector == nil {
		return nil, fmt.Errorf("%w: %s has no projector", models.ErrSetup, a.name)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSetup, a.name, err)
	}
	dims, err := models.DimsFromBuffers(input, output)
	if err != nil {
		return nil, err
	}
	if err := a.res.CheckBudget(4*input.Len() + 3*output.Len()); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSetup, err)
	}
	g := a.projector.Geometry()
	if g == nil {
		return nil, fmt.Errorf("%w: %s: projector has no geometry", models.ErrSetup, a.name)
	}
	if err := g.Configure(dims); err != nil {
		return nil, err
	}
	planner := a.planner
	if planner == nil {
		planner = subset.Sequential{}
	}
	subsets, err := planner.Plan(g.Table())
	if err != nil {
		return nil, err
	}
	if err := subset.Verify(subsets, dims.NAngles); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSetup, err)
	}

	if a.st == nil {
		a.st = &methodState{}
	}
	a.st.singularVolume = resized(a.st.singularVolume, output.Shape)
	a.st.singularSino = resized(a.st.singularSino, input.Shape)
	a.st.rayWeights = resized(a.st.rayWeights, input.Shape)
	a.st.residual = resized(a.st.residual, input.Shape)
	return subsets, nil
}

// computeRayWeights enqueues rayWeights = 1 / sum_s FP_s(ones), guarded
// against zero coverage.
func (a *algebraic) computeRayWeights(subsets []subset.Subset) {
	q, st := a.res.Queue, a.st
	submit(q, func() {
		elementwise.Set(st.singularVolume, 1)
		elementwise.Set(st.singularSino, 1)
		elementwise.Set(st.rayWeights, 0)
	})
	for _, s := range subsets {
		projector.FP(q, a.projector, st.singularVolume, st.rayWeights, s, 1)
	}
	submit(q, func() { elementwise.Invert(st.rayWeights) })
}

// computeVoxelWeights enqueues voxelWeights = 1 / sum_s BP_s(ones).
func (a *algebraic) computeVoxelWeights(subsets []subset.Subset, shape []int) {
	q, st := a.res.Queue, a.st
	st.voxelWeights = resized(st.voxelWeights, shape)
	submit(q, func() { elementwise.Set(st.voxelWeights, 0) })
	for _, s := range subsets {
		projector.BP(q, a.projector, st.voxelWeights, st.singularSino, s, 1)
	}
	submit(q, func() { elementwise.Invert(st.voxelWeights) })
}
