package projector

import (
	"fmt"
	"math"
	"runtime"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/subset"
)

// Joseph is a ray-driven parallel-beam projector. A ray through detector
// position t at angle theta is the line x*cos + y*sin = t. Vertical rays are
// stepped row by row with linear interpolation between the two nearest
// columns, horizontal rays column by column; the step length 1/|cos| or
// 1/|sin| is the path length per voxel. BackwardProject is the exact adjoint
// of ForwardProject.
type Joseph struct {
	MaxThreads int `json:"maxThreads"`

	geom *geometry.Parallel
}

var _ Projector = (*Joseph)(nil)

func init() { plugin.Register("joseph", func() any { return NewJoseph(geometry.NewParallelDefault(), 0) }) }

// NewJoseph returns a Joseph projector over g. maxThreads <= 0 uses GOMAXPROCS.
func NewJoseph(g *geometry.Parallel, maxThreads int) *Joseph {
	return &Joseph{MaxThreads: maxThreads, geom: g}
}

func (p *Joseph) Geometry() geometry.Geometry { return p.geom }

func (p *Joseph) Attach(key string, value any) error {
	if key != "geometry" {
		return fmt.Errorf("unknown nested property %q", key)
	}
	g, ok := value.(*geometry.Parallel)
	if !ok {
		return fmt.Errorf("joseph projector needs a parallel geometry, got %T", value)
	}
	p.geom = g
	return nil
}

func (p *Joseph) threads() int {
	if p.MaxThreads > 0 {
		return p.MaxThreads
	}
	return runtime.GOMAXPROCS(0)
}

// josephSetup carries the per-call constants of one projection.
type josephSetup struct {
	dims     models.GeometryDims
	roi      ROI
	table    *geometry.AngleTable
	cx, cy   float64
	detC     float64
	detScale float64
}

func (p *Joseph) setup(volume, sino *models.Buffer, s subset.Subset, roi ROI) (*josephSetup, error) {
	if p.geom == nil {
		return nil, fmt.Errorf("%w: joseph projector has no geometry", models.ErrSetup)
	}
	dims, roi, table, err := checkCall(p.geom, volume, sino, s, roi)
	if err != nil {
		return nil, err
	}
	return &josephSetup{
		dims:     dims,
		roi:      roi,
		table:    table,
		cx:       float64(dims.Width-1) / 2,
		cy:       float64(dims.Height-1) / 2,
		detC:     p.geom.DetectorCenter(dims.NDetectors),
		detScale: p.geom.DetectorScale,
	}, nil
}

// variant picks the stepping axis for one angle. The subset direction is
// followed unless the divisor would vanish.
func variant(dir subset.Direction, sin, cos float64) subset.Direction {
	if dir == subset.Vertical && math.Abs(cos) < 1e-12 {
		return subset.Horizontal
	}
	if dir == subset.Horizontal && math.Abs(sin) < 1e-12 {
		return subset.Vertical
	}
	return dir
}

func (js *josephSetup) det(d int) float64 {
	return (float64(d) - js.detC) * js.detScale
}

// rayVertical integrates one vertical ray through a volume slice.
func (js *josephSetup) rayVertical(slice []float64, t, sin, cos float64) float64 {
	w := js.dims.Width
	x0, x1 := js.roi.X, js.roi.X+js.roi.Width
	acc := 0.0
	for iy := js.roi.Y; iy < js.roi.Y+js.roi.Height; iy++ {
		xf := (t-(float64(iy)-js.cy)*sin)/cos + js.cx
		xi := int(math.Floor(xf))
		f := xf - float64(xi)
		row := slice[iy*w : (iy+1)*w]
		if xi >= x0 && xi < x1 {
			acc += (1 - f) * row[xi]
		}
		if xi+1 >= x0 && xi+1 < x1 {
			acc += f * row[xi+1]
		}
	}
	return acc / math.Abs(cos)
}

// rayHorizontal integrates one horizontal ray through a volume slice.
func (js *josephSetup) rayHorizontal(slice []float64, t, sin, cos float64) float64 {
	w := js.dims.Width
	y0, y1 := js.roi.Y, js.roi.Y+js.roi.Height
	acc := 0.0
	for ix := js.roi.X; ix < js.roi.X+js.roi.Width; ix++ {
		yf := (t-(float64(ix)-js.cx)*cos)/sin + js.cy
		yi := int(math.Floor(yf))
		f := yf - float64(yi)
		if yi >= y0 && yi < y1 {
			acc += (1 - f) * slice[yi*w+ix]
		}
		if yi+1 >= y0 && yi+1 < y1 {
			acc += f * slice[(yi+1)*w+ix]
		}
	}
	return acc / math.Abs(sin)
}

func (p *Joseph) ForwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, scale float64) error {
	js, err := p.setup(volume, sino, s, roi)
	if err != nil {
		return err
	}
	nd := js.dims.NDetectors
	device.ParallelFor(js.roi.Depth*s.N, p.threads(), func(i int) {
		z := js.roi.Z + i/s.N
		a := s.Offset + i%s.N
		sin, cos := js.table.Sin[a], js.table.Cos[a]
		slice := volume.Slice(z)
		row := sino.Data[(z*js.dims.NAngles+a)*nd : (z*js.dims.NAngles+a+1)*nd]
		if variant(s.Direction, sin, cos) == subset.Vertical {
			for d := range row {
				row[d] += scale * js.rayVertical(slice, js.det(d), sin, cos)
			}
		} else {
			for d := range row {
				row[d] += scale * js.rayHorizontal(slice, js.det(d), sin, cos)
			}
		}
	})
	return nil
}

func (p *Joseph) BackwardProject(volume, sino *models.Buffer, s subset.Subset, roi ROI, relaxation float64) error {
	js, err := p.setup(volume, sino, s, roi)
	if err != nil {
		return err
	}

	var vertical, horizontal []int
	for a := s.Offset; a < s.Offset+s.N; a++ {
		if variant(s.Direction, js.table.Sin[a], js.table.Cos[a]) == subset.Vertical {
			vertical = append(vertical, a)
		} else {
			horizontal = append(horizontal, a)
		}
	}

	// Vertical rays deposit into a single row per step and horizontal rays
	// into a single column, so rows resp. columns can be updated concurrently.
	if len(vertical) > 0 {
		lines := js.roi.Height
		device.ParallelFor(js.roi.Depth*lines, p.threads(), func(i int) {
			z := js.roi.Z + i/lines
			js.smearRow(volume, sino, z, js.roi.Y+i%lines, vertical, relaxation)
		})
	}
	if len(horizontal) > 0 {
		lines := js.roi.Width
		device.ParallelFor(js.roi.Depth*lines, p.threads(), func(i int) {
			z := js.roi.Z + i/lines
			js.smearColumn(volume, sino, z, js.roi.X+i%lines, horizontal, relaxation)
		})
	}
	return nil
}

// smearRow adds the contribution of vertical rays to row iy of slice z.
func (js *josephSetup) smearRow(volume, sino *models.Buffer, z, iy int, angles []int, relaxation float64) {
	w, nd := js.dims.Width, js.dims.NDetectors
	x0, x1 := js.roi.X, js.roi.X+js.roi.Width
	row := volume.Slice(z)[iy*w : (iy+1)*w]
	yc := float64(iy) - js.cy
	for _, a := range angles {
		sin, cos := js.table.Sin[a], js.table.Cos[a]
		weight := relaxation / math.Abs(cos)
		meas := sino.Data[(z*js.dims.NAngles+a)*nd : (z*js.dims.NAngles+a+1)*nd]
		for d, m := range meas {
			if m == 0 {
				continue
			}
			xf := (js.det(d)-yc*sin)/cos + js.cx
			xi := int(math.Floor(xf))
			f := xf - float64(xi)
			v := weight * m
			if xi >= x0 && xi < x1 {
				row[xi] += (1 - f) * v
			}
			if xi+1 >= x0 && xi+1 < x1 {
				row[xi+1] += f * v
			}
		}
	}
}

// smearColumn adds the contribution of horizontal rays to column ix of slice z.
func (js *josephSetup) smearColumn(volume, sino *models.Buffer, z, ix int, angles []int, relaxation float64) {
	w, nd := js.dims.Width, js.dims.NDetectors
	y0, y1 := js.roi.Y, js.roi.Y+js.roi.Height
	slice := volume.Slice(z)
	xc := float64(ix) - js.cx
	for _, a := range angles {
		sin, cos := js.table.Sin[a], js.table.Cos[a]
		weight := relaxation / math.Abs(sin)
		meas := sino.Data[(z*js.dims.NAngles+a)*nd : (z*js.dims.NAngles+a+1)*nd]
		for d, m := range meas {
			if m == 0 {
				continue
			}
			yf := (js.det(d)-xc*cos)/sin + js.cy
			yi := int(math.Floor(yf))
			f := yf - float64(yi)
			v := weight * m
			if yi >= y0 && yi < y1 {
				slice[yi*w+ix] += (1 - f) * v
			}
			if yi+1 >= y0 && yi+1 < y1 {
				slice[(yi+1)*w+ix] += f * v
			}
		}
	}
}
