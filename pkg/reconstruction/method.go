// Package reconstruction implements iterative and analytic tomographic
// reconstruction methods.
//
// A method is created (directly or through pkg/plugin), bound to device
// resources with Setup and then repeatedly handed sinogram/volume pairs:
//
//	Unconfigured --Setup--> Ready --Process--> Iterating --> Done
//
// Process may be called again from Ready or Done. Every numerical step is
// submitted to the command queue of the bound resources, so a method and its
// delegates observe FIFO ordering on the buffers they share.
package reconstruction

import (
	"context"
	"fmt"
	"io"

	"tomorecon/internal/models"
	"tomorecon/pkg/debug"
	"tomorecon/pkg/device"
	"tomorecon/pkg/prior"
)

// State is the lifecycle state of a method.
type State int

const (
	Unconfigured State = iota
	Ready
	Iterating
	Done
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Ready:
		return "ready"
	case Iterating:
		return "iterating"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result reports how far a call to Process got.
type Result struct {
	// Iterations is the number of completed outer iterations
	Iterations int

	// Complete is true when all configured iterations ran
	Complete bool
}

// Method reconstructs a volume from a sinogram.
type Method interface {
	// Setup binds device resources. It performs no numerical work.
	Setup(res *device.Resources) error

	// Process reconstructs input (a sinogram) into output (a volume). The
	// current content of output is the starting estimate. The context is
	// checked between iterations only.
	Process(ctx context.Context, input, output *models.Buffer) (Result, error)

	// State returns the lifecycle state.
	State() State

	// SetPrior attaches optional prior knowledge.
	SetPrior(k *prior.Knowledge)

	// SetDumper attaches an optional debug dump hook.
	SetDumper(d debug.Dumper)

	// Release drops buffers and resources. The method returns to Unconfigured.
	Release()
}

// base carries the lifecycle shared by all methods.
type base struct {
	name   string
	res    *device.Resources
	state  State
	prior  *prior.Knowledge
	dumper debug.Dumper
}

func (b *base) Setup(res *device.Resources) error {
	if res == nil || res.Queue == nil {
		return fmt.Errorf("%w: %s needs resources with a command queue", models.ErrSetup, b.name)
	}
	b.res = res
	b.state = Ready
	return nil
}

func (b *base) State() State { return b.state }

func (b *base) SetPrior(k *prior.Knowledge) { b.prior = k }

func (b *base) SetDumper(d debug.Dumper) { b.dumper = d }

func (b *base) Release() {
	b.res = nil
	b.state = Unconfigured
}

func (b *base) log() io.Writer {
	if b.res == nil || b.res.Log == nil {
		return io.Discard
	}
	return b.res.Log
}

// begin checks that Process may start.
func (b *base) begin() error {
	switch b.state {
	case Unconfigured:
		return fmt.Errorf("%w: %s processed before setup", models.ErrSetup, b.name)
	case Iterating:
		return fmt.Errorf("%w: %s is already iterating", models.ErrSetup, b.name)
	}
	return nil
}

// finish records the outcome of Process. Failed or cancelled runs return to
// Ready so that the method can be invoked again.
func (b *base) finish(err error) {
	if err != nil {
		b.state = Ready
		return
	}
	b.state = Done
}

// dump hands buf to the dumper, if any. Failures are logged only.
func (b *base) dump(name string, buf *models.Buffer) {
	if b.dumper == nil {
		return
	}
	if err := b.dumper.Dump(b.name+"-"+name, buf); err != nil {
		fmt.Fprintf(b.log(), "Warning: %s: dumping %s failed: %v\n", b.name, name, err)
	}
}

// submit enqueues a host-side kernel that cannot fail.
func submit(q *device.Queue, fn func()) {
	q.Submit(func() error {
		fn()
		return nil
	})
}
