package metrics

import (
	"errors"
	"math"
	"strings"
	"testing"

	"tomorecon/internal/models"
)

func TestIdenticalVolumes(t *testing.T) {
	data := []float64{0, 0.25, 0.5, 0.75, 1, 0.5}
	a, _ := models.NewBufferFrom(data, 2, 3)
	b, _ := models.NewBufferFrom(append([]float64(nil), data...), 2, 3)

	q, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if q.RMSE != 0 || !math.IsInf(q.PSNR, 1) || q.MI < 10 {
		t.Errorf("Unexpected metrics for identical data: %v", q)
	}
	if math.Abs(q.SSIM-1) > 1e-12 || math.Abs(q.Correlation-1) > 1e-12 {
		t.Errorf("Expected SSIM and correlation of 1, got %v", q)
	}
	if q.EntropyDiff != 0 {
		t.Errorf("Expected no entropy difference, got %v", q.EntropyDiff)
	}
	if !strings.Contains(q.String(), "RMSE 0.000000") {
		t.Errorf("Unexpected summary %q", q.String())
	}
}

func TestRMSEAndPSNR(t *testing.T) {
	orig := []float64{0, 1, 2, 3}
	recon := []float64{1, 2, 3, 4}
	if got := RMSE(orig, recon); math.Abs(got-1) > 1e-12 {
		t.Errorf("RMSE=%v; want 1", got)
	}
	if got := PSNR(orig, recon, 10); math.Abs(got-20) > 1e-9 {
		t.Errorf("PSNR=%v; want 20", got)
	}
	if RMSE(orig, recon[:2]) != 0 {
		t.Error("Expected 0 for mismatched lengths")
	}
}

func TestCorrelationAndSSIM(t *testing.T) {
	orig := []float64{1, 2, 3, 4, 5}
	inverted := []float64{5, 4, 3, 2, 1}
	if got := Correlation(orig, inverted); math.Abs(got+1) > 1e-12 {
		t.Errorf("Correlation=%v; want -1", got)
	}
	if got := Correlation(orig, []float64{2, 2, 2, 2, 2}); got != 0 {
		t.Errorf("Correlation with constant=%v; want 0", got)
	}
	if got := SSIM(orig, inverted, 4); got >= 0 {
		t.Errorf("SSIM of inverted data=%v; want negative", got)
	}
	if got := MutualInformation(orig, []float64{1, 3, 2, 5, 4}); got <= 0 || math.IsInf(got, 0) {
		t.Errorf("MI=%v; want finite positive", got)
	}
}

func TestEntropy(t *testing.T) {
	// four equally populated, well separated values: 2 bits
	data := []float64{0, 0, 1, 1, 2, 2, 3, 3}
	if got := Entropy(data); math.Abs(got-2) > 1e-12 {
		t.Errorf("Entropy=%v; want 2", got)
	}
	if got := Entropy([]float64{7, 7, 7}); got != 0 {
		t.Errorf("Entropy of constant data=%v; want 0", got)
	}
}

func TestCompareShapeMismatch(t *testing.T) {
	if _, err := Compare(models.NewBuffer(2, 2), models.NewBuffer(3, 3)); !errors.Is(err, models.ErrInputData) {
		t.Errorf("Expected ErrInputData, got %v", err)
	}
}
