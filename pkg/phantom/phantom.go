// Package phantom generates synthetic volumes and their sinograms.
package phantom

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"

	"tomorecon/internal/models"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/subset"
)

// ellipse is one component of an analytic phantom in normalized coordinates
// [-1,1]^2, with the rotation phi in degrees.
type ellipse struct {
	value  float64
	a, b   float64
	x0, y0 float64
	phi    float64
}

// modified Shepp-Logan head phantom with contrast-enhanced intensities
var sheppLogan = []ellipse{
	{1, .69, .92, 0, 0, 0},
	{-.8, .6624, .8740, 0, -.0184, 0},
	{-.2, .1100, .3100, .22, 0, -18},
	{-.2, .1600, .4100, -.22, 0, 18},
	{.1, .2100, .2500, 0, .35, 0},
	{.1, .0460, .0460, 0, .1, 0},
	{.1, .0460, .0460, 0, -.1, 0},
	{.1, .0460, .0230, -.08, -.605, 0},
	{.1, .0230, .0230, 0, -.606, 0},
	{.1, .0230, .0460, .06, -.605, 0},
}

// SheppLogan returns a size x size modified Shepp-Logan phantom, or a stack
// of depth identical slices when depth > 0.
func SheppLogan(size, depth int) *models.Buffer {
	b := newVolume(size, size, depth)
	slice := make([]float64, size*size)
	for y := 0; y < size; y++ {
		// row 0 is the top of the image
		ny := 1 - (2*float64(y)+1)/float64(size)
		for x := 0; x < size; x++ {
			nx := (2*float64(x)+1)/float64(size) - 1
			v := 0.0
			for _, e := range sheppLogan {
				if e.contains(nx, ny) {
					v += e.value
				}
			}
			slice[y*size+x] = v
		}
	}
	fill(b, slice)
	return b
}

func (e ellipse) contains(x, y float64) bool {
	sin, cos := math.Sincos(e.phi * math.Pi / 180)
	dx, dy := x-e.x0, y-e.y0
	u := dx*cos + dy*sin
	v := -dx*sin + dy*cos
	return (u*u)/(e.a*e.a)+(v*v)/(e.b*e.b) <= 1
}

// Disk returns a width x height volume holding value inside a centred disk of
// the given radius in voxels and zero elsewhere.
func Disk(width, height, depth int, radius, value float64) *models.Buffer {
	b := newVolume(width, height, depth)
	cx, cy := float64(width-1)/2, float64(height-1)/2
	slice := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if math.Hypot(float64(x)-cx, float64(y)-cy) <= radius {
				slice[y*width+x] = value
			}
		}
	}
	fill(b, slice)
	return b
}

func newVolume(width, height, depth int) *models.Buffer {
	if depth > 0 {
		return models.NewBuffer(depth, height, width)
	}
	return models.NewBuffer(height, width)
}

func fill(b *models.Buffer, slice []float64) {
	for z := 0; z < b.Slices(); z++ {
		copy(b.Slice(z), slice)
	}
}

// Simulate forward projects volume with p over nAngles angles and nDet
// detector bins and returns the sinogram.
func Simulate(p projector.Projector, volume *models.Buffer, nAngles, nDet int) (*models.Buffer, error) {
	dims := models.GeometryDims{
		Height:     volume.Rows(),
		Width:      volume.Cols(),
		NDetectors: nDet,
		NAngles:    nAngles,
	}
	if volume.NumDims() == 3 {
		dims.Depth = volume.Slices()
	} else if volume.NumDims() != 2 {
		return nil, fmt.Errorf("%w: volume of shape %v", models.ErrInputData, volume.Shape)
	}
	if err := p.Geometry().Configure(dims); err != nil {
		return nil, err
	}
	sino := models.NewBuffer(dims.SinogramShape()...)
	subsets, err := subset.Sequential{}.Plan(p.Geometry().Table())
	if err != nil {
		return nil, err
	}
	for _, s := range subsets {
		if err := p.ForwardProject(volume, sino, s, projector.ROI{}, 1); err != nil {
			return nil, err
		}
	}
	return sino, nil
}

// AddNoise adds zero-mean Gaussian noise with standard deviation sigma. The
// same seed always yields the same noise.
func AddNoise(b *models.Buffer, sigma float64, seed uint32) {
	if sigma <= 0 {
		return
	}
	var rng fastrand.RNG
	if seed == 0 {
		seed = 1
	}
	rng.Seed(seed)
	uniform := func() float64 {
		// (0,1], so the logarithm stays finite
		return (float64(rng.Uint32()) + 1) / (1 << 32)
	}
	for i := 0; i < len(b.Data); i += 2 {
		// Box-Muller
		r := sigma * math.Sqrt(-2*math.Log(uniform()))
		sin, cos := math.Sincos(2 * math.Pi * uniform())
		b.Data[i] += r * cos
		if i+1 < len(b.Data) {
			b.Data[i+1] += r * sin
		}
	}
}
