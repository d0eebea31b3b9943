package model

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyBatch is returned when a batch holds no samples.
	ErrEmptyBatch = errors.New("model: empty batch")
	// ErrShape is returned when a batch does not match the model dimensions.
	ErrShape = errors.New("model: shape mismatch")
)

// Batch represents a minibatch of features and labels, one input row per label.
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size reports the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Param is a trainable tensor together with the gradient of the last backward pass.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Output is the result of a forward pass.
type Output struct {
	// Probs holds one row of class probabilities per input.
	Probs *mat.Dense
	// Loss is the mean loss over the batch.
	Loss float64
}

// Model is the contract the runner drives. Forward must not mutate parameters.
// Backward fills Param.Grad for the given forward output and also must not
// touch Param.Value; applying gradients is the optimizer's job.
type Model interface {
	Forward(batch Batch) (Output, error)
	Backward(batch Batch, out Output) error
	Params() []*Param
}

// Predictions returns the arg-max class of every row in probs.
func Predictions(probs *mat.Dense) []int {
	rows, cols := probs.Dims()
	preds := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if probs.At(i, j) > probs.At(i, best) {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}
