// Package projector defines the forward/backward projection capability and
// its implementations.
package projector

import (
	"fmt"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/subset"
)

// Projector applies the linear projection operator A restricted to the
// angles of one subset. Scaling and relaxation are applied by the projector
// so that implementations can fuse them into their kernels.
type Projector interface {
	// Geometry returns the acquisition geometry the projector reads its
	// angle tables from.
	Geometry() geometry.Geometry

	// ForwardProject accumulates scale * A_subset(volume) into sino.
	ForwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, scale float64) error

	// BackwardProject accumulates relaxation * A_subset^T(sino) into volume.
	BackwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, relaxation float64) error
}

// ROI restricts a projection to the voxel box [X,X+Width) x [Y,Y+Height) x
// [Z,Z+Depth). The zero ROI selects the whole volume.
type ROI struct {
	X, Y, Z              int
	Width, Height, Depth int
}

// IsFull reports whether r is the zero ROI.
func (r ROI) IsFull() bool {
	return r == ROI{}
}

// Resolve replaces the zero ROI by the full volume and checks bounds.
func (r ROI) Resolve(dims models.GeometryDims) (ROI, error) {
	full := ROI{Width: dims.Width, Height: dims.Height, Depth: dims.Slices()}
	if r.IsFull() {
		return full, nil
	}
	if r.Depth == 0 && r.Z == 0 {
		r.Depth = full.Depth
	}
	if r.X < 0 || r.Y < 0 || r.Z < 0 || r.Width <= 0 || r.Height <= 0 || r.Depth <= 0 ||
		r.X+r.Width > full.Width || r.Y+r.Height > full.Height || r.Z+r.Depth > full.Depth {
		return r, fmt.Errorf("%w: ROI %+v outside volume %dx%dx%d",
			models.ErrInputData, r, full.Width, full.Height, full.Depth)
	}
	return r, nil
}

// ForwardAsync submits a forward projection to q and returns its completion event.
func ForwardAsync(q *device.Queue, p Projector, volume, sino *models.Buffer, s subset.Subset, roi ROI, scale float64) *device.Event {
	return q.Submit(func() error {
		return p.ForwardProject(volume, sino, s, roi, scale)
	})
}

// BackwardAsync submits a backward projection to q and returns its completion event.
func BackwardAsync(q *device.Queue, p Projector, volume, sino *models.Buffer, s subset.Subset, roi ROI, relaxation float64) *device.Event {
	return q.Submit(func() error {
		return p.BackwardProject(volume, sino, s, roi, relaxation)
	})
}

// FP submits a full-volume forward projection.
func FP(q *device.Queue, p Projector, volume, sino *models.Buffer, s subset.Subset, scale float64) *device.Event {
	return ForwardAsync(q, p, volume, sino, s, ROI{}, scale)
}

// BP submits a full-volume backward projection.
func BP(q *device.Queue, p Projector, volume, sino *models.Buffer, s subset.Subset, relaxation float64) *device.Event {
	return BackwardAsync(q, p, volume, sino, s, ROI{}, relaxation)
}

// checkCall validates buffers and subset against the configured geometry.
func checkCall(g geometry.Geometry, volume, sino *models.Buffer, s subset.Subset, roi ROI) (models.GeometryDims, ROI, *geometry.AngleTable, error) {
	dims, err := models.DimsFromBuffers(sino, volume)
	if err != nil {
		return dims, roi, nil, err
	}
	table := g.Table()
	if table.Len() != dims.NAngles {
		return dims, roi, nil, fmt.Errorf("%w: geometry holds %d angles, sinogram has %d",
			models.ErrInputData, table.Len(), dims.NAngles)
	}
	if s.N < 1 || s.Offset < 0 || s.Offset+s.N > dims.NAngles {
		return dims, roi, nil, fmt.Errorf("%w: subset %v outside [0,%d)", models.ErrInputData, s, dims.NAngles)
	}
	roi, err = roi.Resolve(dims)
	return dims, roi, table, err
}

// Unimplemented is a projector without kernels. It reports ErrNotImplemented
// from both operations and can be embedded by projectors that only provide one.
type Unimplemented struct {
	Name string `json:"-"`
	geom geometry.Geometry
}

func init() {
	plugin.Register("projector", func() any { return NewUnimplemented("projector", geometry.NewParallelDefault()) })
}

// NewUnimplemented returns a projector named name that has no kernels.
func NewUnimplemented(name string, g geometry.Geometry) *Unimplemented {
	return &Unimplemented{Name: name, geom: g}
}

func (u *Unimplemented) Geometry() geometry.Geometry { return u.geom }

func (u *Unimplemented) ForwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, scale float64) error {
	return fmt.Errorf("%w: projector %q (%T) has no forward projection", models.ErrNotImplemented, u.Name, u)
}

func (u *Unimplemented) BackwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, relaxation float64) error {
	return fmt.Errorf("%w: projector %q (%T) has no backward projection", models.ErrNotImplemented, u.Name, u)
}

func (u *Unimplemented) Attach(key string, value any) error {
	return attachGeometry(&u.geom, key, value)
}

func attachGeometry(dst *geometry.Geometry, key string, value any) error {
	if key != "geometry" {
		return fmt.Errorf("unknown nested property %q", key)
	}
	g, ok := value.(geometry.Geometry)
	if !ok {
		return fmt.Errorf("%q expects a geometry, got %T", key, value)
	}
	*dst = g
	return nil
}
