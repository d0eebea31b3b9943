package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LinearNet is a single dense layer with softmax cross-entropy.
type LinearNet struct {
	numClasses int
	inputSize  int
	weights    *Param
	bias       *Param
}

var _ Model = (*LinearNet)(nil)

// NewLinearNet constructs the model with small random weights drawn from seed.
func NewLinearNet(inputSize, numClasses int, seed int64) *LinearNet {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	rng := rand.New(rand.NewSource(seed))
	w := make([]float64, inputSize*numClasses)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &LinearNet{
		numClasses: numClasses,
		inputSize:  inputSize,
		weights: &Param{
			Name:  "linear.weight",
			Value: mat.NewDense(inputSize, numClasses, w),
			Grad:  mat.NewDense(inputSize, numClasses, nil),
		},
		bias: &Param{
			Name:  "linear.bias",
			Value: mat.NewDense(1, numClasses, nil),
			Grad:  mat.NewDense(1, numClasses, nil),
		},
	}
}

// Params returns the weight and bias parameters.
func (m *LinearNet) Params() []*Param {
	return []*Param{m.weights, m.bias}
}

// Forward computes softmax(xW + b) and the mean cross-entropy against the labels.
func (m *LinearNet) Forward(batch Batch) (Output, error) {
	if err := m.check(batch); err != nil {
		return Output{}, err
	}
	rows, _ := batch.Inputs.Dims()
	logits := mat.NewDense(rows, m.numClasses, nil)
	logits.Mul(batch.Inputs, m.weights.Value)
	bias := m.bias.Value.RawRowView(0)
	logits.Apply(func(_, j int, v float64) float64 {
		return v + bias[j]
	}, logits)

	probs := softmaxRows(logits)
	return Output{Probs: probs, Loss: CrossEntropy(probs, batch.Labels)}, nil
}

// Backward stores dL/dW = xᵀ(p-y)/n and dL/db = Σ(p-y)/n in the parameter gradients.
func (m *LinearNet) Backward(batch Batch, out Output) error {
	if err := m.check(batch); err != nil {
		return err
	}
	if out.Probs == nil {
		return fmt.Errorf("%w: missing forward output", ErrShape)
	}
	rows, cols := out.Probs.Dims()
	if rows != batch.Size() || cols != m.numClasses {
		return fmt.Errorf("%w: output %dx%d for batch of %d", ErrShape, rows, cols, batch.Size())
	}

	delta := mat.DenseCopyOf(out.Probs)
	for i, label := range batch.Labels {
		delta.Set(i, label, delta.At(i, label)-1)
	}
	delta.Scale(1/float64(rows), delta)

	m.weights.Grad.Mul(batch.Inputs.T(), delta)
	grad := m.bias.Grad.RawRowView(0)
	for j := range grad {
		grad[j] = mat.Sum(delta.ColView(j))
	}
	return nil
}

func (m *LinearNet) check(batch Batch) error {
	if batch.Inputs == nil || batch.Size() == 0 {
		return ErrEmptyBatch
	}
	rows, cols := batch.Inputs.Dims()
	if cols != m.inputSize {
		return fmt.Errorf("%w: got %d features, want %d", ErrShape, cols, m.inputSize)
	}
	if rows != batch.Size() {
		return fmt.Errorf("%w: %d inputs for %d labels", ErrShape, rows, batch.Size())
	}
	for _, label := range batch.Labels {
		if label < 0 || label >= m.numClasses {
			return fmt.Errorf("%w: label %d outside [0,%d)", ErrShape, label, m.numClasses)
		}
	}
	return nil
}

// CrossEntropy returns the mean negative log-likelihood of labels under probs.
func CrossEntropy(probs *mat.Dense, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	total := 0.0
	for i, label := range labels {
		total += -math.Log(math.Max(probs.At(i, label), 1e-9))
	}
	return total / float64(len(labels))
}

func softmaxRows(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		dst := out.RawRowView(i)
		sum := 0.0
		for j, v := range row {
			dst[j] = math.Exp(v - maxLogit)
			sum += dst[j]
		}
		inv := 1.0 / sum
		for j := range dst {
			dst[j] *= inv
		}
	}
	return out
}
