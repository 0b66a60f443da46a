package sparsity

import (
	"errors"
	"math/rand"
	"testing"

	"tomorecon/internal/models"
	"tomorecon/pkg/plugin"
)

func noisySquare(t *testing.T, seed int64) *models.Buffer {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b := models.NewBuffer(2, 16, 16)
	for z := 0; z < 2; z++ {
		slice := b.Slice(z)
		for r := 0; r < 16; r++ {
			for c := 0; c < 16; c++ {
				v := 0.0
				if r >= 4 && r < 12 && c >= 4 && c < 12 {
					v = 1
				}
				slice[r*16+c] = v + 0.1*rng.NormFloat64()
			}
		}
	}
	return b
}

func TestGradientSparsityReducesTV(t *testing.T) {
	in := noisySquare(t, 1)
	before := TotalVariation(in)

	g := NewGradientSparsity()
	g.Alpha = 0.05
	out := models.NewBuffer()
	if err := g.Minimize(in, out); err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if !out.SameShape(in.Shape) {
		t.Fatalf("Output shape %v; want %v", out.Shape, in.Shape)
	}
	after := TotalVariation(out)
	if after >= before {
		t.Errorf("Expected TV to decrease, before=%v after=%v", before, after)
	}
	if TotalVariation(in) != before {
		t.Error("Input was modified")
	}
}

func TestGradientSparsityInPlace(t *testing.T) {
	b := noisySquare(t, 2)
	before := TotalVariation(b)
	if err := NewGradientSparsity().Minimize(b, b); err != nil {
		t.Fatal(err)
	}
	if TotalVariation(b) >= before {
		t.Error("Expected in-place minimization to reduce TV")
	}
}

func TestGradientSparsityZeroStep(t *testing.T) {
	in := noisySquare(t, 3)
	g := NewGradientSparsity()
	g.SetStepScale(0)
	out := in.Dup()
	if err := g.Minimize(in, out); err != nil {
		t.Fatal(err)
	}
	for i := range in.Data {
		if in.Data[i] != out.Data[i] {
			t.Fatalf("Zero step changed sample %d", i)
		}
	}
}

func TestGradientSparsityFlatImage(t *testing.T) {
	b := models.NewBuffer(8, 8)
	for i := range b.Data {
		b.Data[i] = 3
	}
	if err := NewGradientSparsity().Minimize(b, b); err != nil {
		t.Fatal(err)
	}
	for i, v := range b.Data {
		if v != 3 {
			t.Fatalf("Flat image changed at %d: %v", i, v)
		}
	}
}

func TestGradientSparsityValidate(t *testing.T) {
	for _, n := range []int{-1, MaxIters + 1} {
		g := NewGradientSparsity()
		g.NumIters = n
		if err := g.Validate(); err == nil {
			t.Errorf("Expected numIters=%d to be rejected", n)
		}
		if err := g.Minimize(noisySquare(t, 4), models.NewBuffer()); !errors.Is(err, models.ErrSetup) {
			t.Errorf("Expected ErrSetup, got %v", err)
		}
	}

	if _, err := plugin.Build([]byte(`{"plugin": "gradient-sparsity", "numIters": 5000}`), nil); !errors.Is(err, plugin.ErrInvalid) {
		t.Errorf("Expected plugin build to reject numIters=5000, got %v", err)
	}
	v, err := plugin.Build([]byte(`{"plugin": "gradient-sparsity", "numIters": 7}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if g := v.(*GradientSparsity); g.NumIters != 7 || g.Alpha != 0.2 {
		t.Errorf("Unexpected plugin settings %+v", g)
	}
}

func TestUnimplementedSparsity(t *testing.T) {
	var m Minimizer = &Unimplemented{}
	err := m.Minimize(models.NewBuffer(2, 2), models.NewBuffer(2, 2))
	if !errors.Is(err, models.ErrNotImplemented) {
		t.Errorf("Expected ErrNotImplemented, got %v", err)
	}
}
