// Package geometry generates the per-angle trigonometric tables of an
// acquisition geometry.
package geometry

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/plugin"
)

// Trig selects one of the two angle tables.
type Trig int

const (
	Sin Trig = iota
	Cos
)

func (t Trig) String() string {
	switch t {
	case Sin:
		return "sin"
	case Cos:
		return "cos"
	}
	return fmt.Sprintf("Trig(%d)", int(t))
}

// AngleTable holds sin and cos of every projection angle.
type AngleTable struct {
	Sin []float64
	Cos []float64
}

// Len returns the number of angles.
func (t *AngleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Sin)
}

// Geometry computes the angle tables for the dimensions it is configured with.
type Geometry interface {
	// Configure (re)generates the tables for dims. Calling it again with the
	// same dimensions keeps the current tables.
	Configure(dims models.GeometryDims) error

	// Dims returns the dimensions of the last successful Configure.
	Dims() models.GeometryDims

	// Table returns the current tables, nil before Configure.
	Table() *AngleTable

	// ScanAngles returns a host copy of the selected table.
	ScanAngles(t Trig) ([]float64, error)

	// ScanAnglesBuffer returns the selected table as a buffer shared with
	// kernels. It must be treated as read-only.
	ScanAnglesBuffer(t Trig) (*models.Buffer, error)
}

// Parallel is a parallel-beam geometry. Angles are AngleOffset + i*AngleStep
// in radians; a zero AngleStep spreads the angles evenly over pi.
// Detector bin d sits at (d - (n-1)/2 - DetectorOffset) * DetectorScale
// voxel widths from the rotation axis.
type Parallel struct {
	AngleStep      float64 `json:"angleStep"`
	AngleOffset    float64 `json:"angleOffset"`
	DetectorScale  float64 `json:"detectorScale"`
	DetectorOffset float64 `json:"detectorOffset"`

	dims    models.GeometryDims
	key     parallelKey
	table   *AngleTable
	buffers [2]*models.Buffer
}

type parallelKey struct {
	nAngles                           int
	step, offset, detScale, detOffset float64
}

var _ Geometry = (*Parallel)(nil)

func init() { plugin.Register("parallel", func() any { return NewParallelDefault() }) }

// NewParallelDefault returns a parallel geometry with evenly spread angles and
// a unit detector centred on the rotation axis.
func NewParallelDefault() *Parallel {
	return NewParallel(0, 0, 1, 0)
}

// NewParallel returns a parallel-beam geometry.
func NewParallel(angleStep, angleOffset, detectorScale, detectorOffset float64) *Parallel {
	return &Parallel{
		AngleStep:      angleStep,
		AngleOffset:    angleOffset,
		DetectorScale:  detectorScale,
		DetectorOffset: detectorOffset,
	}
}

// Validate checks the geometry-specific settings.
func (g *Parallel) Validate() error {
	if !(g.DetectorScale > 0) || math.IsInf(g.DetectorScale, 0) {
		return fmt.Errorf("%w: parallel geometry needs a positive detectorScale, got %v", models.ErrInputData, g.DetectorScale)
	}
	if math.IsNaN(g.AngleStep) || math.IsNaN(g.AngleOffset) || math.IsNaN(g.DetectorOffset) {
		return fmt.Errorf("%w: parallel geometry has NaN settings", models.ErrInputData)
	}
	return nil
}

func (g *Parallel) Configure(dims models.GeometryDims) error {
	if dims.NAngles <= 0 {
		return fmt.Errorf("%w: geometry needs at least one angle", models.ErrInputData)
	}
	if err := g.Validate(); err != nil {
		return err
	}

	key := parallelKey{dims.NAngles, g.AngleStep, g.AngleOffset, g.DetectorScale, g.DetectorOffset}
	g.dims = dims
	if g.table != nil && key == g.key {
		return nil
	}

	step := g.AngleStep
	if step == 0 {
		step = math.Pi / float64(dims.NAngles)
	}
	table := &AngleTable{
		Sin: make([]float64, dims.NAngles),
		Cos: make([]float64, dims.NAngles),
	}
	for i := 0; i < dims.NAngles; i++ {
		table.Sin[i], table.Cos[i] = math.Sincos(g.AngleOffset + float64(i)*step)
	}
	g.key = key
	g.table = table
	g.buffers = [2]*models.Buffer{}
	return nil
}

func (g *Parallel) Dims() models.GeometryDims { return g.dims }

func (g *Parallel) Table() *AngleTable { return g.table }

func (g *Parallel) ScanAngles(t Trig) ([]float64, error) {
	src, err := g.selectTable(t)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), src...), nil
}

func (g *Parallel) ScanAnglesBuffer(t Trig) (*models.Buffer, error) {
	src, err := g.selectTable(t)
	if err != nil {
		return nil, err
	}
	if g.buffers[t] == nil {
		b := models.NewBuffer(len(src))
		copy(b.Data, src)
		g.buffers[t] = b
	}
	return g.buffers[t], nil
}

func (g *Parallel) selectTable(t Trig) ([]float64, error) {
	if g.table == nil {
		return nil, fmt.Errorf("%w: geometry not configured", models.ErrInputData)
	}
	switch t {
	case Sin:
		return g.table.Sin, nil
	case Cos:
		return g.table.Cos, nil
	}
	return nil, fmt.Errorf("%w: unknown table %v", models.ErrInputData, t)
}

// DetectorCenter returns the fractional detector index of the rotation axis
// for a detector with n bins.
func (g *Parallel) DetectorCenter(n int) float64 {
	return float64(n-1)/2 + g.DetectorOffset
}
