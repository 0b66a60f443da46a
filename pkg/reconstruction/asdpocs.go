package reconstruction

import (
	"context"
	"fmt"

	"tomorecon/internal/models"
	"tomorecon/pkg/debug"
	"tomorecon/pkg/device"
	"tomorecon/pkg/elementwise"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/prior"
	"tomorecon/pkg/sparsity"
)

// ASDPOCS alternates a data-fidelity method (df_minimizer, typically SART)
// with a projection onto the non-negative set and a sparsity minimization
// step. The sparsity step length follows the distance moved by the
// data-fidelity step.
type ASDPOCS struct {
	base

	// MaxIterations is the number of outer iterations
	MaxIterations int `json:"maxIterations"`

	// Positivity clamps the volume to non-negative values after each
	// data-fidelity step. Prior knowledge "phase-contrast" disables it.
	Positivity bool `json:"positivity"`

	inner    Method
	sparsity sparsity.Minimizer
	prev     *models.Buffer
}

var _ Method = (*ASDPOCS)(nil)

func init() { plugin.Register("asdpocs", func() any { return NewASDPOCS(nil, 10) }) }

// NewASDPOCS returns a composite method that owns inner.
func NewASDPOCS(inner Method, maxIterations int) *ASDPOCS {
	a := &ASDPOCS{MaxIterations: maxIterations, Positivity: true, inner: inner}
	a.name = "asdpocs"
	return a
}

// Validate checks the outer iteration count.
func (a *ASDPOCS) Validate() error {
	if a.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be non-negative, got %d", a.MaxIterations)
	}
	return nil
}

// SetInner replaces the data-fidelity method. The previous one is released.
func (a *ASDPOCS) SetInner(m Method) {
	if a.inner != nil && a.inner != m {
		a.inner.Release()
	}
	a.inner = m
	if m == nil {
		return
	}
	m.SetPrior(a.prior)
	if a.res != nil {
		if err := m.Setup(a.res); err != nil {
			fmt.Fprintf(a.log(), "Warning: asdpocs: setting up %T: %v\n", m, err)
		}
	}
}

// Inner returns the data-fidelity method, or nil.
func (a *ASDPOCS) Inner() Method { return a.inner }

// SetSparsity attaches a minimizer. It takes precedence over the
// "image-sparsity" prior knowledge handle.
func (a *ASDPOCS) SetSparsity(m sparsity.Minimizer) { a.sparsity = m }

func (a *ASDPOCS) Attach(key string, value any) error {
	switch key {
	case "df_minimizer":
		m, ok := value.(Method)
		if !ok {
			return fmt.Errorf("%q expects a reconstruction method, got %T", key, value)
		}
		a.SetInner(m)
	case "sparsity":
		m, ok := value.(sparsity.Minimizer)
		if !ok {
			return fmt.Errorf("%q expects a sparsity minimizer, got %T", key, value)
		}
		a.sparsity = m
	default:
		return fmt.Errorf("unknown nested property %q", key)
	}
	return nil
}

func (a *ASDPOCS) Setup(res *device.Resources) error {
	if err := a.base.Setup(res); err != nil {
		return err
	}
	if a.inner != nil {
		if err := a.inner.Setup(res); err != nil {
			a.state = Unconfigured
			return fmt.Errorf("asdpocs: df_minimizer: %w", err)
		}
	}
	return nil
}

func (a *ASDPOCS) SetPrior(k *prior.Knowledge) {
	a.base.SetPrior(k)
	if a.inner != nil {
		a.inner.SetPrior(k)
	}
}

func (a *ASDPOCS) SetDumper(d debug.Dumper) {
	a.base.SetDumper(d)
	if a.inner != nil {
		a.inner.SetDumper(d)
	}
}

func (a *ASDPOCS) Release() {
	if a.inner != nil {
		a.inner.Release()
	}
	a.base.Release()
	a.prev = nil
}

// minimizer returns the sparsity step to apply, or nil.
func (a *ASDPOCS) minimizer() sparsity.Minimizer {
	if a.sparsity != nil {
		return a.sparsity
	}
	if h, ok := a.prior.Handle(prior.ImageSparsity); ok {
		if m, ok := h.(sparsity.Minimizer); ok {
			return m
		}
		fmt.Fprintf(a.log(), "Warning: asdpocs: %q prior is a %T, not a sparsity minimizer\n", prior.ImageSparsity, h)
	}
	return nil
}

func (a *ASDPOCS) Process(ctx context.Context, input, output *models.Buffer) (res Result, err error) {
	if err := a.begin(); err != nil {
		return Result{}, err
	}
	if a.inner == nil {
		return Result{}, fmt.Errorf("%w: asdpocs has no df_minimizer", models.ErrSetup)
	}
	if err := a.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: asdpocs: %v", models.ErrSetup, err)
	}
	if a.inner.State() == Unconfigured {
		if err := a.inner.Setup(a.res); err != nil {
			return Result{}, fmt.Errorf("asdpocs: df_minimizer: %w", err)
		}
	}
	defer func() { a.finish(err) }()

	a.prev = resized(a.prev, output.Shape)
	positivity := a.Positivity && !a.prior.Bool(prior.PhaseContrast)
	minimizer := a.minimizer()
	if minimizer == nil {
		fmt.Fprintf(a.log(), "asdpocs: no sparsity minimizer attached, regularization skipped\n")
	}
	q, prev := a.res.Queue, a.prev

	a.state = Iterating
	for it := 0; it < a.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return Result{Iterations: it}, err
		}
		q.Submit(func() error {
			prev.Resize(output.Shape)
			return elementwise.Copy(prev, output)
		})
		if err := q.Finish(); err != nil {
			return Result{Iterations: it}, fmt.Errorf("asdpocs: iteration %d: %w", it+1, err)
		}

		if _, err := a.inner.Process(ctx, input, output); err != nil {
			return Result{Iterations: it}, fmt.Errorf("asdpocs: iteration %d: data fidelity: %w", it+1, err)
		}

		var dp float64
		q.Submit(func() error {
			var err error
			dp, err = elementwise.Distance(output, prev)
			if positivity {
				elementwise.ClampMin(output, 0)
			}
			return err
		})
		if minimizer != nil {
			q.Submit(func() error {
				a.regularize(minimizer, output, dp)
				return nil
			})
		}
		if err := q.Finish(); err != nil {
			return Result{Iterations: it}, fmt.Errorf("asdpocs: iteration %d: %w", it+1, err)
		}
		fmt.Fprintf(a.log(), "ASD-POCS iteration %d/%d, data step %.6g\n", it+1, a.MaxIterations, dp)
	}
	a.dump("volume", output)
	return Result{Iterations: a.MaxIterations, Complete: true}, nil
}

// regularize runs the sparsity step in place. Failures skip regularization
// for this round.
func (a *ASDPOCS) regularize(m sparsity.Minimizer, volume *models.Buffer, dp float64) {
	if s, ok := m.(sparsity.StepScaler); ok {
		s.SetStepScale(dp)
	}
	if err := m.Minimize(volume, volume); err != nil {
		fmt.Fprintf(a.log(), "Warning: asdpocs: regularization skipped: %v\n", err)
	}
}
