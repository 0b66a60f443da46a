// Package task adapts reconstruction methods to the node contract of a
// dataflow scheduler. A host calls Setup once, asks for the output shape
// with Requisition and then calls Process once per unit of work with freshly
// shaped buffers.
package task

import (
	"context"
	"fmt"
	"io"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/reconstruction"
)

// AnyDimensions is returned by NumDimensions for inputs of unconstrained
// dimensionality.
const AnyDimensions = -1

// Node is the contract a scheduler drives.
type Node interface {
	Setup(res *device.Resources) error
	NumInputs() int
	NumDimensions(input int) int
	Requisition(inputs []*models.Buffer) ([]int, error)
	Process(inputs []*models.Buffer, output *models.Buffer, requisition []int) bool
}

// Reconstruction runs a reconstruction method on a single sinogram input.
type Reconstruction struct {
	// Width and Height of the reconstructed slices; zero selects the number
	// of detector bins
	Width, Height int

	// WarmStart keeps the content of the output buffer as the starting
	// estimate instead of zeroing it
	WarmStart bool

	ctx    context.Context
	method reconstruction.Method
	log    io.Writer
	err    error
	last   reconstruction.Result
}

var _ Node = (*Reconstruction)(nil)

// NewReconstruction wraps m. ctx bounds every call to Process.
func NewReconstruction(ctx context.Context, m reconstruction.Method) *Reconstruction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Reconstruction{ctx: ctx, method: m, log: io.Discard}
}

func (r *Reconstruction) Setup(res *device.Resources) error {
	if r.method == nil {
		return fmt.Errorf("%w: reconstruction node has no method", models.ErrSetup)
	}
	if res != nil && res.Log != nil {
		r.log = res.Log
	}
	return r.method.Setup(res)
}

func (r *Reconstruction) NumInputs() int { return 1 }

// NumDimensions accepts single-slice and stacked sinograms alike.
func (r *Reconstruction) NumDimensions(input int) int { return AnyDimensions }

// Requisition derives the volume shape from the sinogram shape.
func (r *Reconstruction) Requisition(inputs []*models.Buffer) ([]int, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("%w: reconstruction expects one input, got %d", models.ErrInputData, len(inputs))
	}
	sino := inputs[0]
	var depth int
	switch sino.NumDims() {
	case 2:
	case 3:
		depth = sino.Shape[0]
	default:
		return nil, fmt.Errorf("%w: sinogram must have 2 or 3 dimensions, got %v", models.ErrInputData, sino.Shape)
	}
	nDet := sino.Cols()
	dims := models.GeometryDims{Width: r.Width, Height: r.Height, Depth: depth}
	if dims.Width <= 0 {
		dims.Width = nDet
	}
	if dims.Height <= 0 {
		dims.Height = nDet
	}
	return dims.VolumeShape(), nil
}

// Process reconstructs inputs[0] into output, resizing output to the
// requisition. It returns false on failure; Err reports the cause.
func (r *Reconstruction) Process(inputs []*models.Buffer, output *models.Buffer, requisition []int) bool {
	r.err = nil
	if len(inputs) != 1 || inputs[0] == nil {
		r.err = fmt.Errorf("%w: reconstruction expects one input, got %d", models.ErrInputData, len(inputs))
		fmt.Fprintf(r.log, "Error: %v\n", r.err)
		return false
	}
	if output == nil {
		r.err = fmt.Errorf("%w: reconstruction needs an output buffer", models.ErrInputData)
		fmt.Fprintf(r.log, "Error: %v\n", r.err)
		return false
	}
	if len(requisition) > 0 {
		output.Resize(requisition)
	}
	if !r.WarmStart {
		for i := range output.Data {
			output.Data[i] = 0
		}
	}
	r.last, r.err = r.method.Process(r.ctx, inputs[0], output)
	if r.err != nil {
		fmt.Fprintf(r.log, "Error: reconstruction failed: %v\n", r.err)
		return false
	}
	return r.last.Complete
}

// Err returns the error of the last call to Process.
func (r *Reconstruction) Err() error { return r.err }

// Result returns the outcome of the last call to Process.
func (r *Reconstruction) Result() reconstruction.Result { return r.last }

// Passthrough copies its single input to the output.
type Passthrough struct{}

var _ Node = Passthrough{}

func (Passthrough) Setup(*device.Resources) error { return nil }

func (Passthrough) NumInputs() int { return 1 }

func (Passthrough) NumDimensions(int) int { return AnyDimensions }

func (Passthrough) Requisition(inputs []*models.Buffer) ([]int, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("%w: passthrough expects one input", models.ErrInputData)
	}
	return append([]int(nil), inputs[0].Shape...), nil
}

func (Passthrough) Process(inputs []*models.Buffer, output *models.Buffer, requisition []int) bool {
	if len(inputs) != 1 || inputs[0] == nil || output == nil {
		return false
	}
	output.Resize(inputs[0].Shape)
	return output.CopyFrom(inputs[0]) == nil
}
