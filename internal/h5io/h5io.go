// Package h5io reads sinograms from and writes volumes to HDF5 files.
package h5io

import (
	"fmt"

	"github.com/robert-malhotra/go-hdf5/hdf5"

	"tomorecon/internal/models"
)

// ShapeAttr stores the logical shape of flat datasets written by this package.
const ShapeAttr = "shape"

// Load reads a dataset as a 2D or 3D buffer. Float and integer datasets are
// converted to float64. A "shape" attribute overrides the dataspace shape.
func Load(path, dataset string) (*models.Buffer, error) {
	f, err := hdf5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	ds, err := f.OpenDataset(dataset)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset %s in %s: %w", dataset, path, err)
	}
	data, err := readSamples(ds)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset %s: %w", dataset, err)
	}

	shape := make([]int, 0, 3)
	if attr := ds.Attr(ShapeAttr); attr != nil {
		dims, err := attr.ReadInt64()
		if err != nil {
			return nil, fmt.Errorf("error reading %s attribute of %s: %w", ShapeAttr, dataset, err)
		}
		for _, d := range dims {
			shape = append(shape, int(d))
		}
	} else {
		for _, d := range ds.Shape() {
			shape = append(shape, int(d))
		}
	}
	if len(shape) < 2 || len(shape) > 3 {
		return nil, fmt.Errorf("%w: dataset %s has shape %v, need 2 or 3 dimensions", models.ErrInputData, dataset, shape)
	}
	return models.NewBufferFrom(data, shape...)
}

func readSamples(ds *hdf5.Dataset) ([]float64, error) {
	data, err := ds.ReadFloat64()
	if err == nil {
		return data, nil
	}
	ints, ierr := ds.ReadInt64()
	if ierr != nil {
		return nil, err
	}
	data = make([]float64, len(ints))
	for i, v := range ints {
		data[i] = float64(v)
	}
	return data, nil
}

// LoadSinogram reads a sinogram laid out as [angles][detectors] or
// [slices][angles][detectors].
func LoadSinogram(path, dataset string) (*models.Buffer, error) {
	return Load(path, dataset)
}

// Save writes buffers into a new file at path, one flat float64 dataset per
// name with its shape stored as attribute. Extra attributes are attached to
// every dataset.
func Save(path string, buffers map[string]*models.Buffer, attrs map[string]interface{}) error {
	f, err := hdf5.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	for name, b := range buffers {
		if b.Len() == 0 {
			f.Close()
			return fmt.Errorf("%w: dataset %s is empty", models.ErrInputData, name)
		}
		shape := make([]int64, len(b.Shape))
		for i, s := range b.Shape {
			shape[i] = int64(s)
		}
		opts := []hdf5.DatasetOption{hdf5.WithAttribute(ShapeAttr, shape)}
		for k, v := range attrs {
			opts = append(opts, hdf5.WithAttribute(k, v))
		}
		if _, err := f.Root().CreateDataset(name, b.Data, opts...); err != nil {
			f.Close()
			return fmt.Errorf("error writing dataset %s: %w", name, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	return nil
}

// SaveVolume writes a reconstructed volume as dataset name.
func SaveVolume(path, name string, volume *models.Buffer, attrs map[string]interface{}) error {
	return Save(path, map[string]*models.Buffer{name: volume}, attrs)
}
