package runner

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"

	"epochforge/internal/model"
)

// sliceSource replays fixed batches and can fail after a number of them.
type sliceSource struct {
	batches []model.Batch
	failAt  int // 1-based index of the batch to fail on; 0 never fails
	err     error
	streams int
}

func (s *sliceSource) Stream(ctx context.Context) (<-chan model.Batch, <-chan error) {
	s.streams++
	out := make(chan model.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i, b := range s.batches {
			if s.failAt == i+1 {
				errCh <- s.err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- b:
			}
		}
	}()
	return out, errCh
}

// stalledSource reports err but never closes its batch channel.
type stalledSource struct {
	err error
}

func (s stalledSource) Stream(context.Context) (<-chan model.Batch, <-chan error) {
	errCh := make(chan error, 1)
	errCh <- s.err
	return make(chan model.Batch), errCh
}

// scriptedModel returns preset predictions and losses, one per Forward call.
type scriptedModel struct {
	preds     [][]int
	losses    []float64
	classes   int
	calls     int
	backwards int
	param     *model.Param
}

func newScriptedModel(classes int, preds [][]int, losses []float64) *scriptedModel {
	return &scriptedModel{
		preds:   preds,
		losses:  losses,
		classes: classes,
		param: &model.Param{
			Name:  "w",
			Value: mat.NewDense(1, 1, []float64{1}),
			Grad:  mat.NewDense(1, 1, []float64{0}),
		},
	}
}

func (m *scriptedModel) Forward(b model.Batch) (model.Output, error) {
	if m.calls >= len(m.preds) {
		return model.Output{}, errors.New("script exhausted")
	}
	preds := m.preds[m.calls]
	loss := m.losses[m.calls]
	m.calls++
	probs := mat.NewDense(len(preds), m.classes, nil)
	for i, p := range preds {
		probs.Set(i, p, 1)
	}
	return model.Output{Probs: probs, Loss: loss}, nil
}

func (m *scriptedModel) Backward(model.Batch, model.Output) error {
	m.backwards++
	m.param.Grad.Set(0, 0, 1)
	return nil
}

func (m *scriptedModel) Params() []*model.Param { return []*model.Param{m.param} }

type countingOptimizer struct{ steps int }

func (o *countingOptimizer) Step([]*model.Param) error {
	o.steps++
	return nil
}

type recorded struct {
	stage, name string
	value       float64
	step        int
}

type fakeTracker struct {
	epochs   []int
	scalars  []recorded
	matrices []recorded
}

func (f *fakeTracker) SetEpoch(epoch int) { f.epochs = append(f.epochs, epoch) }

func (f *fakeTracker) RecordMetric(stage, name string, value float64, step int) {
	f.scalars = append(f.scalars, recorded{stage, name, value, step})
}

func (f *fakeTracker) RecordMatrix(stage, name string, _ [][]int, step int) {
	f.matrices = append(f.matrices, recorded{stage: stage, name: name, step: step})
}

func (f *fakeTracker) count(stage, name string) int {
	n := 0
	for _, r := range f.scalars {
		if r.stage == stage && r.name == name {
			n++
		}
	}
	return n
}

func labelBatch(labels ...int) model.Batch {
	return model.Batch{Inputs: mat.NewDense(len(labels), 1, nil), Labels: labels}
}
