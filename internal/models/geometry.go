package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all reconstruction components.
var (
	// ErrInputData is returned for missing or inconsistent geometry and buffer shapes.
	ErrInputData = errors.New("tomorecon: invalid input data")

	// ErrSetup is returned when required configuration is missing or invalid,
	// or when a method is used before Setup.
	ErrSetup = errors.New("tomorecon: setup error")

	// ErrNotImplemented is returned by capabilities without a real implementation.
	ErrNotImplemented = errors.New("tomorecon: not implemented")
)

// GeometryDims describes the problem size a method is configured against.
// Depth 0 denotes a single-slice (2D) problem.
type GeometryDims struct {
	Height     int
	Width      int
	Depth      int
	NDetectors int
	NAngles    int
}

// Slices returns the number of slices to reconstruct, at least 1.
func (d GeometryDims) Slices() int {
	if d.Depth == 0 {
		return 1
	}
	return d.Depth
}

// VolumeShape returns the buffer shape of the volume.
func (d GeometryDims) VolumeShape() []int {
	if d.Depth == 0 {
		return []int{d.Height, d.Width}
	}
	return []int{d.Depth, d.Height, d.Width}
}

// SinogramShape returns the buffer shape of the measurements.
func (d GeometryDims) SinogramShape() []int {
	if d.Depth == 0 {
		return []int{d.NAngles, d.NDetectors}
	}
	return []int{d.Depth, d.NAngles, d.NDetectors}
}

// DimsFromBuffers derives the geometry of a (sinogram, volume) pair.
func DimsFromBuffers(sino, vol *Buffer) (GeometryDims, error) {
	var d GeometryDims
	switch sino.NumDims() {
	case 2:
		d.NAngles, d.NDetectors = sino.Shape[0], sino.Shape[1]
	case 3:
		d.Depth, d.NAngles, d.NDetectors = sino.Shape[0], sino.Shape[1], sino.Shape[2]
	default:
		return d, fmt.Errorf("%w: sinogram must have 2 or 3 dimensions, got %v", ErrInputData, sino.Shape)
	}

	switch vol.NumDims() {
	case 2:
		if d.Depth > 1 {
			return d, fmt.Errorf("%w: %d sinogram slices for a 2D volume", ErrInputData, d.Depth)
		}
		d.Height, d.Width = vol.Shape[0], vol.Shape[1]
	case 3:
		if vol.Shape[0] != d.Slices() {
			return d, fmt.Errorf("%w: volume depth %d does not match sinogram depth %d",
				ErrInputData, vol.Shape[0], d.Slices())
		}
		d.Depth = vol.Shape[0]
		d.Height, d.Width = vol.Shape[1], vol.Shape[2]
	default:
		return d, fmt.Errorf("%w: volume must have 2 or 3 dimensions, got %v", ErrInputData, vol.Shape)
	}

	if d.NAngles <= 0 || d.NDetectors <= 0 || d.Width <= 0 || d.Height <= 0 {
		return d, fmt.Errorf("%w: empty geometry %+v", ErrInputData, d)
	}
	return d, nil
}
