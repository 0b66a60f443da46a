package projector

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tomorecon/internal/models"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/subset"
)

// Matrix projects with an explicit system matrix acting on one slice. Row
// a*NDetectors+d of A holds the weights of detector d at angle a, column
// y*Width+x the weights of voxel (x,y). Every slice of a stack uses the
// same matrix.
type Matrix struct {
	A          *mat.Dense
	NDetectors int

	geom geometry.Geometry
}

var _ Projector = (*Matrix)(nil)

// NewMatrix wraps a system matrix. The row count must be a multiple of nDetectors.
func NewMatrix(a *mat.Dense, nDetectors int, g geometry.Geometry) (*Matrix, error) {
	rows, _ := a.Dims()
	if nDetectors <= 0 || rows%nDetectors != 0 {
		return nil, fmt.Errorf("%w: %d matrix rows are not a multiple of %d detectors",
			models.ErrInputData, rows, nDetectors)
	}
	return &Matrix{A: a, NDetectors: nDetectors, geom: g}, nil
}

func (m *Matrix) Geometry() geometry.Geometry { return m.geom }

func (m *Matrix) check(volume, sino *models.Buffer, s subset.Subset, roi ROI) (models.GeometryDims, ROI, error) {
	dims, roi, _, err := checkCall(m.geom, volume, sino, s, roi)
	if err != nil {
		return dims, roi, err
	}
	rows, cols := m.A.Dims()
	if dims.NDetectors != m.NDetectors || rows != dims.NAngles*dims.NDetectors || cols != dims.Width*dims.Height {
		return dims, roi, fmt.Errorf("%w: %dx%d system matrix does not fit %+v", models.ErrInputData, rows, cols, dims)
	}
	return dims, roi, nil
}

// masked returns the slice with voxels outside roi zeroed, or the slice
// itself when roi covers the whole plane.
func masked(slice []float64, dims models.GeometryDims, roi ROI) []float64 {
	if roi.X == 0 && roi.Y == 0 && roi.Width == dims.Width && roi.Height == dims.Height {
		return slice
	}
	out := make([]float64, len(slice))
	for y := roi.Y; y < roi.Y+roi.Height; y++ {
		lo := y*dims.Width + roi.X
		copy(out[lo:lo+roi.Width], slice[lo:lo+roi.Width])
	}
	return out
}

func (m *Matrix) ForwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, scale float64) error {
	dims, roi, err := m.check(volume, sino, s, roi)
	if err != nil {
		return err
	}
	nd := dims.NDetectors
	_, cols := m.A.Dims()
	sub := m.A.Slice(s.Offset*nd, (s.Offset+s.N)*nd, 0, cols)
	y := mat.NewVecDense(s.N*nd, nil)
	for z := roi.Z; z < roi.Z+roi.Depth; z++ {
		x := mat.NewVecDense(cols, masked(volume.Slice(z), dims, roi))
		y.MulVec(sub, x)
		lo := (z*dims.NAngles + s.Offset) * nd
		floats.AddScaled(sino.Data[lo:lo+s.N*nd], scale, y.RawVector().Data)
	}
	return nil
}

func (m *Matrix) BackwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, relaxation float64) error {
	dims, roi, err := m.check(volume, sino, s, roi)
	if err != nil {
		return err
	}
	nd := dims.NDetectors
	_, cols := m.A.Dims()
	sub := m.A.Slice(s.Offset*nd, (s.Offset+s.N)*nd, 0, cols)
	g := mat.NewVecDense(cols, nil)
	for z := roi.Z; z < roi.Z+roi.Depth; z++ {
		lo := (z*dims.NAngles + s.Offset) * nd
		y := mat.NewVecDense(s.N*nd, sino.Data[lo:lo+s.N*nd])
		g.MulVec(sub.T(), y)
		update := masked(g.RawVector().Data, dims, roi)
		floats.AddScaled(volume.Slice(z), relaxation, update)
	}
	return nil
}

// BuildMatrix probes p with unit voxels and returns its system matrix for a
// single slice of the given dimensions. Intended for small problems.
func BuildMatrix(p Projector, dims models.GeometryDims) (*mat.Dense, error) {
	dims.Depth = 0
	if err := p.Geometry().Configure(dims); err != nil {
		return nil, err
	}
	table := p.Geometry().Table()

	rows, cols := dims.NAngles*dims.NDetectors, dims.Width*dims.Height
	a := mat.NewDense(rows, cols, nil)
	volume := models.NewBuffer(dims.VolumeShape()...)
	sino := models.NewBuffer(dims.SinogramShape()...)
	subsets, err := subset.Sequential{}.Plan(table)
	if err != nil {
		return nil, err
	}
	for j := 0; j < cols; j++ {
		volume.Data[j] = 1
		for i := range sino.Data {
			sino.Data[i] = 0
		}
		for _, s := range subsets {
			if err := p.ForwardProject(volume, sino, s, ROI{}, 1); err != nil {
				return nil, err
			}
		}
		a.SetCol(j, sino.Data)
		volume.Data[j] = 0
	}
	return a, nil
}
