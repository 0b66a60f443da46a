package reconstruction

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/phantom"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/prior"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/sparsity"
	"tomorecon/pkg/subset"
)

// newResources returns test resources logging into buf (which may be nil).
func newResources(t *testing.T, buf *bytes.Buffer) *device.Resources {
	t.Helper()
	var res *device.Resources
	if buf == nil {
		res = device.NewResources(nil, 2, 0)
	} else {
		res = device.NewResources(buf, 2, 0)
	}
	t.Cleanup(res.Close)
	return res
}

// diskProblem returns a Joseph projector, a disk phantom and its sinogram.
func diskProblem(t *testing.T, size, nAngles, nDet int, value float64) (*projector.Joseph, *models.Buffer, *models.Buffer) {
	t.Helper()
	p := projector.NewJoseph(geometry.NewParallelDefault(), 2)
	truth := phantom.Disk(size, size, 0, float64(size)/3, value)
	sino, err := phantom.Simulate(p, truth, nAngles, nDet)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	return p, truth, sino
}

func relErr(x, truth *models.Buffer) float64 {
	return floats.Distance(x.Data, truth.Data, 2) / floats.Norm(truth.Data, 2)
}

func TestStateString(t *testing.T) {
	want := map[State]string{Unconfigured: "unconfigured", Ready: "ready", Iterating: "iterating", Done: "done"}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String()=%q; want %q", int(s), s.String(), name)
		}
	}
}

func TestSARTZeroIterationsIsNoOp(t *testing.T) {
	p, truth, sino := diskProblem(t, 8, 6, 12, 1)
	s := NewSART(p, 0.5, 0)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := truth.Clone()
	floats.Scale(0.3, out.Data)
	before := out.Clone()

	res, err := s.Process(context.Background(), sino, out)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res != (Result{Iterations: 0, Complete: true}) {
		t.Errorf("Unexpected result %+v", res)
	}
	if !floats.Equal(out.Data, before.Data) {
		t.Error("Zero iterations modified the output")
	}
	if s.State() != Done {
		t.Errorf("State %v; want done", s.State())
	}
}

// TestSARTIdentityProjector reconstructs exactly with A = I and one angle.
func TestSARTIdentityProjector(t *testing.T) {
	const w, h = 3, 2
	a := mat.NewDense(w*h, w*h, nil)
	for i := 0; i < w*h; i++ {
		a.Set(i, i, 1)
	}
	p, err := projector.NewMatrix(a, w*h, geometry.NewParallelDefault())
	if err != nil {
		t.Fatal(err)
	}
	truth, _ := models.NewBufferFrom([]float64{1, 2, 3, 4, 5, 6}, h, w)
	sino, _ := models.NewBufferFrom(append([]float64(nil), truth.Data...), 1, w*h)

	s := NewSART(p, 1, 1)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !floats.EqualApprox(out.Data, truth.Data, 1e-12) {
		t.Errorf("Reconstruction %v; want %v", out.Data, truth.Data)
	}
}

// TestSARTSubsetOrder checks that each subset corrects the volume left by
// the previous one. With A = [[1,1],[1,0]] and b = [3,1] one iteration gives
// x = (1, 1.5); updating both subsets from the same volume would give (2.5, 1.5).
func TestSARTSubsetOrder(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{
		1, 1,
		1, 0,
	})
	p, err := projector.NewMatrix(a, 1, geometry.NewParallelDefault())
	if err != nil {
		t.Fatal(err)
	}
	sino, _ := models.NewBufferFrom([]float64{3, 1}, 2, 1)

	s := NewSART(p, 1, 1)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := models.NewBuffer(1, 2)
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if want := []float64{1, 1.5}; !floats.EqualApprox(out.Data, want, 1e-12) {
		t.Errorf("Volume %v; want %v", out.Data, want)
	}
}

func TestSARTRayWeightsFinite(t *testing.T) {
	// detectors far outside the volume are never hit
	p, _, sino := diskProblem(t, 8, 5, 30, 1)
	s := NewSART(p, 0.5, 1)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Process(context.Background(), sino, models.NewBuffer(8, 8)); err != nil {
		t.Fatal(err)
	}
	zeros := 0
	for i, w := range s.st.rayWeights.Data {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			t.Fatalf("Ray weight %d is %v", i, w)
		}
		if w == 0 {
			zeros++
		}
	}
	if zeros == 0 {
		t.Error("Expected uncovered rays to get zero weight")
	}
}

func TestSARTConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping convergence run in short mode")
	}
	p, truth, sino := diskProblem(t, 16, 24, 24, 1)
	var log bytes.Buffer
	s := NewSART(p, 0.5, 1)
	if err := s.Setup(newResources(t, &log)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Fatal(err)
	}
	first := relErr(out, truth)

	s.MaxIterations = 9
	res, err := s.Process(context.Background(), sino, out)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete || res.Iterations != 9 {
		t.Errorf("Unexpected result %+v", res)
	}
	last := relErr(out, truth)
	if last >= first || last > 0.5 {
		t.Errorf("Relative error after 1 iteration %v, after 10 %v", first, last)
	}
	if !strings.Contains(log.String(), "SART iteration 9/9") {
		t.Errorf("Missing progress line in log:\n%s", log.String())
	}
}

func TestSIRTConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping convergence run in short mode")
	}
	p, truth, sino := diskProblem(t, 16, 24, 24, 1)
	s := NewSIRT(p, 1, 1)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Fatal(err)
	}
	first := relErr(out, truth)
	s.MaxIterations = 19
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Fatal(err)
	}
	if last := relErr(out, truth); last >= first {
		t.Errorf("Relative error after 1 iteration %v, after 20 %v", first, last)
	}
	for i, w := range s.st.voxelWeights.Data {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			t.Fatalf("Voxel weight %d is %v", i, w)
		}
	}
}

func TestFBPDisk(t *testing.T) {
	const size = 32
	p, truth, sino := diskProblem(t, size, 90, 46, 1)
	f := NewFBP(p)
	if err := f.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	floats.AddConst(5, out.Data) // overwritten
	res, err := f.Process(context.Background(), sino, out)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Complete {
		t.Errorf("Unexpected result %+v", res)
	}

	var interior []float64
	c := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if math.Hypot(float64(x)-c, float64(y)-c) < 6 {
				interior = append(interior, out.Data[y*size+x])
			}
		}
	}
	if mean := stat.Mean(interior, nil); math.Abs(mean-1) > 0.2 {
		t.Errorf("Interior mean %v; want about 1", mean)
	}
	if corr := stat.Correlation(out.Data, truth.Data, nil); corr < 0.9 {
		t.Errorf("Correlation with phantom %v", corr)
	}
}

func TestRampFilterImpulseResponse(t *testing.T) {
	const n = 9
	f, err := newRampFilter(n, 1, RamLak)
	if err != nil {
		t.Fatal(err)
	}
	src := make([]float64, n)
	src[4] = 1
	dst := make([]float64, n)
	f.apply(dst, src)
	want := []float64{0, -1 / (9 * math.Pi * math.Pi), 0, -1 / (math.Pi * math.Pi), 0.25,
		-1 / (math.Pi * math.Pi), 0, -1 / (9 * math.Pi * math.Pi), 0}
	if !floats.EqualApprox(dst, want, 1e-12) {
		t.Errorf("Impulse response %v; want %v", dst, want)
	}

	if _, err := newRampFilter(n, 1, "hamming"); err == nil {
		t.Error("Expected unknown filter to fail")
	}
	if (&FBP{Filter: "hamming"}).Validate() == nil {
		t.Error("Expected Validate to reject unknown filter")
	}
}

func TestSetupErrors(t *testing.T) {
	p, _, sino := diskProblem(t, 8, 4, 12, 1)
	vol := models.NewBuffer(8, 8)

	s := NewSART(p, 0.5, 1)
	if _, err := s.Process(context.Background(), sino, vol); !errors.Is(err, models.ErrSetup) {
		t.Errorf("Expected ErrSetup before setup, got %v", err)
	}
	if err := s.Setup(nil); !errors.Is(err, models.ErrSetup) {
		t.Errorf("Expected ErrSetup for nil resources, got %v", err)
	}

	res := newResources(t, nil)
	noProjector := NewSART(nil, 0.5, 1)
	noProjector.Setup(res)
	if _, err := noProjector.Process(context.Background(), sino, vol); !errors.Is(err, models.ErrSetup) {
		t.Errorf("Expected ErrSetup without projector, got %v", err)
	}

	noRelaxation := NewSART(p, 0, 1)
	noRelaxation.Setup(res)
	if _, err := noRelaxation.Process(context.Background(), sino, vol); !errors.Is(err, models.ErrSetup) {
		t.Errorf("Expected ErrSetup without relaxation factor, got %v", err)
	}

	s.Setup(res)
	stack := models.NewBuffer(2, 8, 8)
	if _, err := s.Process(context.Background(), sino, stack); !errors.Is(err, models.ErrInputData) {
		t.Errorf("Expected ErrInputData for mismatched depth, got %v", err)
	}
	if s.State() != Ready {
		t.Errorf("State %v after failed setup; want ready", s.State())
	}

	a := NewASDPOCS(nil, 1)
	a.Setup(res)
	if _, err := a.Process(context.Background(), sino, vol); !errors.Is(err, models.ErrSetup) {
		t.Errorf("Expected ErrSetup without df_minimizer, got %v", err)
	}
}

func TestCancellationBetweenIterations(t *testing.T) {
	p, _, sino := diskProblem(t, 8, 4, 12, 1)
	s := NewSART(p, 0.5, 5)
	if err := s.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := models.NewBuffer(8, 8)
	res, err := s.Process(ctx, sino, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res.Complete || res.Iterations != 0 {
		t.Errorf("Unexpected result %+v", res)
	}
	if floats.Sum(out.Data) != 0 {
		t.Error("Cancelled run modified the volume")
	}
	if s.State() != Ready {
		t.Errorf("State %v; want ready", s.State())
	}
	if _, err := s.Process(context.Background(), sino, out); err != nil {
		t.Errorf("Expected method to run again after cancellation: %v", err)
	}
}

// recordingMinimizer counts calls and remembers step scales.
type recordingMinimizer struct {
	calls  int
	scales []float64
}

func (m *recordingMinimizer) Minimize(in, out *models.Buffer) error {
	m.calls++
	return nil
}

func (m *recordingMinimizer) SetStepScale(s float64) { m.scales = append(m.scales, s) }

func TestASDPOCSWithUnimplementedSparsity(t *testing.T) {
	p, truth, sino := diskProblem(t, 12, 12, 18, 1)
	var log bytes.Buffer
	a := NewASDPOCS(NewSART(p, 0.5, 1), 3)
	a.SetSparsity(&sparsity.Unimplemented{})
	if err := a.Setup(newResources(t, &log)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	res, err := a.Process(context.Background(), sino, out)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Complete || res.Iterations != 3 {
		t.Errorf("Unexpected result %+v", res)
	}
	if n := strings.Count(log.String(), "regularization skipped"); n != 3 {
		t.Errorf("Expected 3 skipped regularizations, log:\n%s", log.String())
	}
	if relErr(out, truth) >= 1 {
		t.Error("Expected data-fidelity steps to improve the estimate")
	}
}

func TestASDPOCSSparsitySources(t *testing.T) {
	p, _, sino := diskProblem(t, 12, 12, 18, 1)
	res := newResources(t, nil)

	fromPrior := &recordingMinimizer{}
	k := prior.New()
	k.SetHandle(prior.ImageSparsity, fromPrior)

	a := NewASDPOCS(NewSART(p, 0.5, 1), 4)
	a.SetPrior(k)
	if err := a.Setup(res); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Process(context.Background(), sino, models.NewBuffer(12, 12)); err != nil {
		t.Fatal(err)
	}
	if fromPrior.calls != 4 || len(fromPrior.scales) != 4 {
		t.Fatalf("Prior minimizer called %d times with %v", fromPrior.calls, fromPrior.scales)
	}
	if fromPrior.scales[0] <= 0 {
		t.Errorf("Expected positive step scale from the first data step, got %v", fromPrior.scales[0])
	}

	attached := &recordingMinimizer{}
	a.SetSparsity(attached)
	if _, err := a.Process(context.Background(), sino, models.NewBuffer(12, 12)); err != nil {
		t.Fatal(err)
	}
	if attached.calls != 4 || fromPrior.calls != 4 {
		t.Errorf("Attached minimizer should take precedence: attached=%d prior=%d", attached.calls, fromPrior.calls)
	}
}

func TestASDPOCSPositivity(t *testing.T) {
	p, _, sino := diskProblem(t, 12, 12, 18, -1)
	res := newResources(t, nil)

	run := func(k *prior.Knowledge) *models.Buffer {
		a := NewASDPOCS(NewSART(p, 1, 1), 2)
		a.SetPrior(k)
		if err := a.Setup(res); err != nil {
			t.Fatal(err)
		}
		out := models.NewBuffer(12, 12)
		if _, err := a.Process(context.Background(), sino, out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	if min := floats.Min(run(nil).Data); min < 0 {
		t.Errorf("Expected non-negative volume, got min %v", min)
	}
	k := prior.New()
	k.SetBool(prior.PhaseContrast, true)
	if min := floats.Min(run(k).Data); min >= 0 {
		t.Errorf("Expected phase-contrast volume to keep negative values, got min %v", min)
	}
}

func TestASDPOCSReplacingInnerReleasesIt(t *testing.T) {
	p, _, _ := diskProblem(t, 8, 4, 12, 1)
	old := NewSART(p, 0.5, 1)
	a := NewASDPOCS(old, 1)
	if err := a.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	if old.State() != Ready {
		t.Fatalf("Expected setup to propagate, inner state %v", old.State())
	}
	replacement := NewSIRT(p, 0.5, 1)
	a.SetInner(replacement)
	if old.State() != Unconfigured {
		t.Errorf("Expected released inner method, state %v", old.State())
	}
	if replacement.State() != Ready || a.Inner() != Method(replacement) {
		t.Errorf("Expected replacement to be set up, state %v", replacement.State())
	}
}

func TestBuildFromPluginDescription(t *testing.T) {
	raw := []byte(`{
		"plugin": "asdpocs",
		"maxIterations": 2,
		"comment": "unknown primitive",
		"tags": [1, 2],
		"sparsity": {"plugin": "gradient-sparsity", "numIters": 5},
		"df_minimizer": {
			"plugin": "sart",
			"relaxationFactor": 0.25,
			"maxIterations": 3,
			"planner": {"plugin": "block", "size": 2},
			"projectionModel": {
				"plugin": "joseph",
				"maxThreads": 2,
				"geometry": {"plugin": "parallel", "detectorScale": 1.5}
			}
		}
	}`)
	var log bytes.Buffer
	v, err := plugin.Build(raw, &log)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	a, ok := v.(*ASDPOCS)
	if !ok {
		t.Fatalf("Built %T; want *ASDPOCS", v)
	}
	if a.MaxIterations != 2 || !a.Positivity {
		t.Errorf("Unexpected settings %+v", a)
	}
	if _, ok := a.sparsity.(*sparsity.GradientSparsity); !ok {
		t.Errorf("Sparsity %T; want *GradientSparsity", a.sparsity)
	}
	s, ok := a.Inner().(*SART)
	if !ok {
		t.Fatalf("Inner %T; want *SART", a.Inner())
	}
	if s.RelaxationFactor != 0.25 || s.MaxIterations != 3 {
		t.Errorf("Unexpected SART settings %+v", s)
	}
	if b, ok := s.planner.(*subset.Block); !ok || b.Size != 2 {
		t.Errorf("Planner %#v; want block of 2", s.planner)
	}
	g, ok := s.Projector().Geometry().(*geometry.Parallel)
	if !ok || g.DetectorScale != 1.5 {
		t.Errorf("Geometry %#v; want parallel with detectorScale 1.5", s.Projector().Geometry())
	}
	for _, w := range []string{`"comment"`, "tags"} {
		if !strings.Contains(log.String(), w) {
			t.Errorf("Expected a warning mentioning %s, log:\n%s", w, log.String())
		}
	}

	bad := []string{
		`{"plugin": "sart", "maxIterations": 3}`,
		`{"plugin": "asdpocs", "df_minimizer": {"plugin": "nope"}}`,
		`{"plugin": "asdpocs", "df_minimizer": {"plugin": "joseph"}}`,
		`{"plugin": "sart", "relaxationFactor": "high"}`,
	}
	for _, b := range bad {
		if _, err := plugin.Build([]byte(b), nil); !errors.Is(err, plugin.ErrInvalid) {
			t.Errorf("Build(%s): expected ErrInvalid, got %v", b, err)
		}
	}
}

func TestBuiltMethodRuns(t *testing.T) {
	_, truth, sino := diskProblem(t, 12, 12, 18, 1)
	v, err := plugin.Build([]byte(`{"plugin": "sirt", "relaxationFactor": 1, "maxIterations": 5,
		"projector": {"plugin": "joseph"}}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	m := v.(Method)
	if err := m.Setup(newResources(t, nil)); err != nil {
		t.Fatal(err)
	}
	out := truth.Dup()
	if _, err := m.Process(context.Background(), sino, out); err != nil {
		t.Fatal(err)
	}
	if relErr(out, truth) >= 1 {
		t.Error("Expected built SIRT to improve on the zero volume")
	}
	m.Release()
	if m.State() != Unconfigured {
		t.Errorf("State %v after release", m.State())
	}
}
