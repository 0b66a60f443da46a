package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Ramp filter windows accepted by FBP.
const (
	RamLak     = "ram-lak"
	SheppLogan = "shepp-logan"
)

// rampFilter convolves sinogram rows with a band-limited ramp kernel in the
// frequency domain. Rows are zero-padded to a power of two of at least twice
// their length so that the circular convolution equals the linear one.
// A rampFilter is not safe for concurrent use.
type rampFilter struct {
	n      int
	fft    *fourier.FFT
	kernel []complex128
	buf    []float64
	coeff  []complex128
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// newRampFilter builds the filter for rows of nDet samples spaced by spacing.
func newRampFilter(nDet int, spacing float64, window string) (*rampFilter, error) {
	if nDet <= 0 || spacing <= 0 {
		return nil, fmt.Errorf("invalid filter size %d / spacing %v", nDet, spacing)
	}
	n := nextPow2(2 * nDet)
	g := make([]float64, n)
	for i := range g {
		k := i
		if i > n/2 {
			k = i - n
		}
		// spatial kernel, multiplied by the spacing of the discrete convolution
		switch window {
		case RamLak, "":
			switch {
			case k == 0:
				g[i] = 1 / (4 * spacing)
			case k%2 != 0:
				g[i] = -1 / (float64(k*k) * math.Pi * math.Pi * spacing)
			}
		case SheppLogan:
			g[i] = -2 / (math.Pi * math.Pi * spacing * float64(4*k*k-1))
		default:
			return nil, fmt.Errorf("unknown filter %q", window)
		}
	}
	fft := fourier.NewFFT(n)
	return &rampFilter{
		n:      nDet,
		fft:    fft,
		kernel: fft.Coefficients(nil, g),
		buf:    make([]float64, n),
		coeff:  make([]complex128, n/2+1),
	}, nil
}

// apply writes the filtered src to dst. Both hold n samples.
func (f *rampFilter) apply(dst, src []float64) {
	copy(f.buf, src)
	for i := len(src); i < len(f.buf); i++ {
		f.buf[i] = 0
	}
	f.fft.Coefficients(f.coeff, f.buf)
	for k := range f.coeff {
		f.coeff[k] *= f.kernel[k]
	}
	f.fft.Sequence(f.buf, f.coeff)
	// Sequence is unnormalized
	norm := 1 / float64(len(f.buf))
	for i := range dst {
		dst[i] = f.buf[i] * norm
	}
}
