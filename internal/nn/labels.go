package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

const (
	// ValidLabel marks real images.
	ValidLabel = 1.0
	// FakeLabel marks generated images.
	FakeLabel = 0.0
)

// Labels returns a [n, 1] target tensor filled with value.
func Labels(n int, value float64) *tensor.Dense {
	data := make([]float64, n)
	for i := range data {
		data[i] = value
	}
	return tensor.New(tensor.WithShape(n, 1), tensor.WithBacking(data))
}

// ExpandLabels repeats each per-sample target over a prediction map of the
// given shape, whose first dimension is the batch.
func ExpandLabels(labels *tensor.Dense, shape []int) (*tensor.Dense, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("expand labels: empty target shape")
	}
	src := labels.Data().([]float64)
	if len(src) != shape[0] {
		return nil, fmt.Errorf("expand labels: %d labels for batch of %d", len(src), shape[0])
	}
	total := 1
	for _, d := range shape {
		total *= d
	}
	per := total / shape[0]
	data := make([]float64, total)
	for n, v := range src {
		block := data[n*per : (n+1)*per]
		for i := range block {
			block[i] = v
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
