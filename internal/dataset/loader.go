package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"epochforge/internal/model"
)

// Options configures batching.
type Options struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// Loader is a finite, restartable source of batches held in memory.
type Loader struct {
	features int
	inputs   []float64
	labels   []int
	opts     Options
	rng      *rand.Rand
}

// Open loads a data/label IDX pair beneath root.
func Open(root, dataFile, labelFile string, opts Options) (*Loader, error) {
	paths, err := Resolve(root, dataFile, labelFile)
	if err != nil {
		return nil, err
	}
	data, err := ReadIDXFile(paths[0])
	if err != nil {
		return nil, err
	}
	labels, err := ReadIDXFile(paths[1])
	if err != nil {
		return nil, err
	}
	if len(labels.Dims) != 1 {
		return nil, fmt.Errorf("%w: labels %s have %d dimensions", ErrFormat, labelFile, len(labels.Dims))
	}
	if data.Count() != labels.Count() {
		return nil, fmt.Errorf("dataset: %s has %d items but %s has %d labels",
			dataFile, data.Count(), labelFile, labels.Count())
	}

	stride := data.Stride()
	inputs := make([]float64, len(data.Data))
	for i, px := range data.Data {
		inputs[i] = float64(px) / 255
	}
	ys := make([]int, labels.Count())
	for i, v := range labels.Data {
		ys[i] = int(v)
	}
	return newLoader(stride, inputs, ys, opts)
}

// FromSlices builds a Loader over in-memory rows.
func FromSlices(inputs [][]float64, labels []int, opts Options) (*Loader, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("dataset: %d inputs for %d labels", len(inputs), len(labels))
	}
	features := 0
	if len(inputs) > 0 {
		features = len(inputs[0])
	}
	flat := make([]float64, 0, len(inputs)*features)
	for i, row := range inputs {
		if len(row) != features {
			return nil, fmt.Errorf("dataset: row %d has %d features, want %d", i, len(row), features)
		}
		flat = append(flat, row...)
	}
	return newLoader(features, flat, append([]int(nil), labels...), opts)
}

func newLoader(features int, inputs []float64, labels []int, opts Options) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.New("dataset: batch size must be > 0")
	}
	if len(labels) > 0 && features == 0 {
		return nil, errors.New("dataset: items have no features")
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Loader{
		features: features,
		inputs:   inputs,
		labels:   labels,
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Len is the number of samples per pass.
func (l *Loader) Len() int { return len(l.labels) }

// Features is the width of each input row.
func (l *Loader) Features() int { return l.features }

// Batches is the number of batches per pass, counting a trailing partial batch.
func (l *Loader) Batches() int {
	return (len(l.labels) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Classes returns one more than the largest label, the width a classifier needs.
func (l *Loader) Classes() int {
	n := 0
	for _, y := range l.labels {
		if y+1 > n {
			n = y + 1
		}
	}
	return n
}

// Stream starts a fresh pass over the data. The batch channel is closed at the
// end of the pass; the error channel then yields at most one error.
func (l *Loader) Stream(ctx context.Context) (<-chan model.Batch, <-chan error) {
	order := make([]int, len(l.labels))
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	out := make(chan model.Batch)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		for start := 0; start < len(order); start += l.opts.BatchSize {
			end := start + l.opts.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := l.batch(order[start:end])
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()

	return out, errCh
}

func (l *Loader) batch(idx []int) model.Batch {
	data := make([]float64, 0, len(idx)*l.features)
	labels := make([]int, len(idx))
	for i, item := range idx {
		data = append(data, l.inputs[item*l.features:(item+1)*l.features]...)
		labels[i] = l.labels[item]
	}
	return model.Batch{
		Inputs: mat.NewDense(len(idx), l.features, data),
		Labels: labels,
	}
}
