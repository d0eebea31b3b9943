// Package runner drives a model over a data source one epoch at a time and
// accumulates the metrics of each pass.
//
// A Runner is either a train runner or an eval runner, fixed when it is built.
// Both variants may share one model; the train runner mutates its parameters
// through the optimizer and the eval runner only reads them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"epochforge/internal/metrics"
	"epochforge/internal/model"
	"epochforge/internal/optim"
)

// Metric names recorded by runners and RunEpoch.
const (
	MetricBatchAccuracy = "batch/accuracy"
	MetricBatchLoss     = "batch/loss"
	MetricEpochAccuracy = "epoch/accuracy"
	MetricEpochLoss     = "epoch/loss"
	MetricConfusion     = "epoch/confusion"
)

// ErrDiverged marks a batch whose loss is NaN or infinite.
var ErrDiverged = errors.New("runner: loss is not finite")

// Mode is the variant of a Runner.
type Mode int

const (
	Train Mode = iota
	Evaluate
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Evaluate:
		return "evaluate"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Source yields one finite pass of batches per Stream call. A pass ends when
// the batch channel closes or a non-nil error arrives, whichever comes first.
type Source interface {
	Stream(ctx context.Context) (<-chan model.Batch, <-chan error)
}

// Recorder receives per-batch scalars.
type Recorder interface {
	RecordMetric(stage, name string, value float64, step int)
}

// Runner executes one mode over one data source.
type Runner struct {
	mode     Mode
	src      Source
	model    model.Model
	opt      optim.Optimizer
	acc      metrics.Accumulator
	step     int
	logEvery int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogEvery logs throughput every n batches at verbosity 2.
func WithLogEvery(n int) Option {
	return func(r *Runner) {
		r.logEvery = n
	}
}

// NewTrainRunner returns a runner that applies opt after every batch.
func NewTrainRunner(src Source, m model.Model, opt optim.Optimizer, opts ...Option) (*Runner, error) {
	if opt == nil {
		return nil, errors.New("runner: train runner needs an optimizer")
	}
	return newRunner(Train, src, m, opt, opts)
}

// NewEvalRunner returns a runner that only runs forward passes.
func NewEvalRunner(src Source, m model.Model, opts ...Option) (*Runner, error) {
	return newRunner(Evaluate, src, m, nil, opts)
}

func newRunner(mode Mode, src Source, m model.Model, opt optim.Optimizer, opts []Option) (*Runner, error) {
	if src == nil {
		return nil, errors.New("runner: nil data source")
	}
	if m == nil {
		return nil, errors.New("runner: nil model")
	}
	r := &Runner{mode: mode, src: src, model: m, opt: opt, logEvery: 50}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Mode reports whether the runner trains or evaluates.
func (r *Runner) Mode() Mode { return r.mode }

// Steps is the number of batches processed over the runner's lifetime.
// Unlike the accumulator it survives Reset, so recorded steps never repeat.
func (r *Runner) Steps() int { return r.step }

// Batches is the number of batches accumulated since the last Reset.
func (r *Runner) Batches() int { return r.acc.Batches() }

// AverageAccuracy is correct/samples since the last Reset, 0 before any batch.
func (r *Runner) AverageAccuracy() float64 { return r.acc.AverageAccuracy() }

// Accuracy is like AverageAccuracy but reports false when no sample was seen.
func (r *Runner) Accuracy() (float64, bool) { return r.acc.Accuracy() }

// AverageLoss is the mean batch loss since the last Reset.
func (r *Runner) AverageLoss() float64 { return r.acc.AverageLoss() }

// Summary snapshots the accumulated metrics.
func (r *Runner) Summary() metrics.Summary { return r.acc.Summary() }

// Reset clears the accumulated metrics. It does not touch the source or model.
// Callers must reset between epochs; Run never does.
func (r *Runner) Reset() { r.acc.Reset() }

// Run consumes one full pass of the data source. Each batch is added to the
// accumulator and its running accuracy and loss are recorded under stage.
// On error the accumulator keeps the batches that completed.
func (r *Runner) Run(ctx context.Context, stage string, rec Recorder) error {
	log := klog.FromContext(ctx).WithValues("stage", stage, "mode", r.mode)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := r.src.Stream(ctx)

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch %d: %w", n+1, err)
		}
		startData := time.Now()
		var batch model.Batch
		select {
		case <-ctx.Done():
			return fmt.Errorf("batch %d: %w", n+1, ctx.Err())
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("batch %d: data source: %w", n+1, err)
			}
			continue
		case b, ok := <-batches:
			if !ok {
				if errs != nil {
					if err := <-errs; err != nil {
						return fmt.Errorf("batch %d: data source: %w", n+1, err)
					}
				}
				log.V(1).Info("pass complete", "batches", n, "accuracy", r.acc.AverageAccuracy(), "loss", r.acc.AverageLoss())
				return nil
			}
			batch = b
		}
		dataTime := time.Since(startData)
		n++

		startCompute := time.Now()
		out, err := r.forward(batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", n, err)
		}
		computeTime := time.Since(startCompute)

		r.acc.Observe(out.Loss, batch.Labels, model.Predictions(out.Probs))
		r.acc.Time(dataTime, computeTime)
		r.step++
		if rec != nil {
			rec.RecordMetric(stage, MetricBatchAccuracy, r.acc.AverageAccuracy(), r.step)
			rec.RecordMetric(stage, MetricBatchLoss, r.acc.AverageLoss(), r.step)
		}

		if r.logEvery > 0 && n%r.logEvery == 0 {
			snap := r.acc.Summary()
			log.V(2).Info("progress",
				"step", r.step,
				"samples_per_sec", fmt.Sprintf("%.1f", snap.SamplesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"loss", fmt.Sprintf("%.4f", out.Loss),
			)
		}
	}
}

// forward runs one batch through the model, and in train mode applies one
// optimizer step.
func (r *Runner) forward(batch model.Batch) (model.Output, error) {
	out, err := r.model.Forward(batch)
	if err != nil {
		return model.Output{}, fmt.Errorf("forward: %w", err)
	}
	if out.Probs == nil {
		return model.Output{}, fmt.Errorf("forward: %w: no predictions", model.ErrShape)
	}
	if rows, _ := out.Probs.Dims(); rows != batch.Size() {
		return model.Output{}, fmt.Errorf("forward: %w: %d predictions for %d labels", model.ErrShape, rows, batch.Size())
	}
	if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
		return model.Output{}, fmt.Errorf("%w: %v", ErrDiverged, out.Loss)
	}
	if r.mode != Train {
		return out, nil
	}
	if err := r.model.Backward(batch, out); err != nil {
		return model.Output{}, fmt.Errorf("backward: %w", err)
	}
	if err := r.opt.Step(r.model.Params()); err != nil {
		return model.Output{}, fmt.Errorf("optimizer step: %w", err)
	}
	return out, nil
}
