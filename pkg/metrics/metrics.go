// Package metrics compares a reconstructed volume with a ground truth.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
)

// Quality holds the reconstruction quality metrics of one volume.
type Quality struct {
	// RMSE (Root Mean Square Error) measures the average squared difference
	// between true and reconstructed voxel values. Lower is better.
	RMSE float64

	// PSNR is the peak signal-to-noise ratio in dB, using the dynamic range
	// of the ground truth as peak. Higher is better.
	PSNR float64

	// SSIM (Structural Similarity Index) compares luminance, contrast and
	// structure globally. Values range from -1 to 1, with 1 indicating
	// identical volumes.
	SSIM float64

	// Correlation is the Pearson correlation coefficient.
	Correlation float64

	// MI is the Gaussian approximation of the mutual information in nats.
	MI float64

	// EntropyDiff is the absolute difference of the 256-bin Shannon
	// entropies. Lower values indicate better information preservation.
	EntropyDiff float64
}

func (q Quality) String() string {
	return fmt.Sprintf("RMSE %.6f, PSNR %.2f dB, SSIM %.4f, correlation %.4f, MI %.3f, entropy difference %.3f",
		q.RMSE, q.PSNR, q.SSIM, q.Correlation, q.MI, q.EntropyDiff)
}

// Compare computes all metrics of recon against truth.
func Compare(truth, recon *models.Buffer) (Quality, error) {
	if truth.Len() == 0 || truth.Len() != recon.Len() {
		return Quality{}, fmt.Errorf("%w: cannot compare %v with %v", models.ErrInputData, truth.Shape, recon.Shape)
	}
	t, r := truth.Data, recon.Data
	lo, hi := floats.Min(t), floats.Max(t)
	return Quality{
		RMSE:        RMSE(t, r),
		PSNR:        PSNR(t, r, hi-lo),
		SSIM:        SSIM(t, r, hi-lo),
		Correlation: Correlation(t, r),
		MI:          MutualInformation(t, r),
		EntropyDiff: math.Abs(Entropy(t) - Entropy(r)),
	}, nil
}

// RMSE computes the root mean square error
func RMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(n))
}

// PSNR returns 20*log10(peak/RMSE), +Inf for identical data.
func PSNR(original, reconstructed []float64, peak float64) float64 {
	rmse := RMSE(original, reconstructed)
	if rmse == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(peak/rmse)
}

// SSIM computes the global Structural Similarity Index for the given dynamic range.
func SSIM(original, reconstructed []float64, dynamicRange float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n < 2 {
		return 0
	}
	if dynamicRange <= 0 {
		dynamicRange = 1
	}
	c1 := (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 := (k2 * dynamicRange) * (k2 * dynamicRange)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)
	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// Correlation returns the Pearson correlation, 0 if either input is constant.
func Correlation(original, reconstructed []float64) float64 {
	if len(original) != len(reconstructed) || len(original) < 2 {
		return 0
	}
	if stat.Variance(original, nil) == 0 || stat.Variance(reconstructed, nil) == 0 {
		return 0
	}
	return stat.Correlation(original, reconstructed, nil)
}

// MutualInformation approximates the mutual information assuming jointly
// Gaussian data: 0.5 * log(var(X) var(Y) / (var(X) var(Y) - cov(X,Y)^2)).
// Identical inputs yield +Inf.
func MutualInformation(original, reconstructed []float64) float64 {
	if len(original) != len(reconstructed) || len(original) < 2 {
		return 0
	}
	varX := stat.Variance(original, nil)
	varY := stat.Variance(reconstructed, nil)
	covXY := stat.Covariance(original, reconstructed, nil)
	if varX <= 0 || varY <= 0 {
		return 0
	}
	det := varX*varY - covXY*covXY
	if det <= 0 {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varX*varY/det)
}

// Entropy computes the Shannon entropy in bits of a 256-bin histogram of data.
func Entropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	dividers := make([]float64, numBins+1)
	floats.Span(dividers, lo, hi)
	// Histogram needs the maximum strictly below the last divider
	dividers[numBins] = math.Nextafter(hi, math.Inf(1))
	hist := stat.Histogram(nil, dividers, sortedCopy(data), nil)

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func sortedCopy(data []float64) []float64 {
	s := append([]float64(nil), data...)
	floats.Argsort(s, make([]int, len(s)))
	return s
}
