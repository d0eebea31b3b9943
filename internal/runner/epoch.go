package runner

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"epochforge/internal/metrics"
)

// Stage labels.
const (
	StageTrain = "train"
	StageTest  = "test"
)

// Tracker is the part of the experiment tracker RunEpoch writes to.
type Tracker interface {
	Recorder
	SetEpoch(epoch int)
	RecordMatrix(stage, name string, rows [][]int, step int)
}

// EpochResult holds the metrics both runners accumulated during one epoch.
type EpochResult struct {
	Epoch int
	Train metrics.Summary
	Test  metrics.Summary
}

// StageError reports which stage of which epoch failed, and at which batch.
type StageError struct {
	Stage string
	Epoch int
	Batch int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed in epoch %d: %v", e.Stage, e.Epoch, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RunEpoch runs one train pass and then one test pass, so test metrics reflect
// the weights produced by this epoch's training. Everything recorded is tagged
// with epoch. Runners are not reset and the tracker is not flushed; both are
// left to the caller, who may still read the runners' accumulated state.
//
// If a pass fails the returned result still holds what completed, and the
// test pass is skipped when training failed.
func RunEpoch(ctx context.Context, train, test *Runner, tracker Tracker, epoch int) (EpochResult, error) {
	res := EpochResult{Epoch: epoch}
	if train == nil || train.Mode() != Train {
		return res, fmt.Errorf("runner: epoch %d: train slot needs a train runner", epoch)
	}
	if test == nil || test.Mode() != Evaluate {
		return res, fmt.Errorf("runner: epoch %d: test slot needs an eval runner", epoch)
	}
	log := klog.FromContext(ctx).WithValues("epoch", epoch)
	tracker.SetEpoch(epoch)

	passes := []struct {
		stage  string
		runner *Runner
		dst    *metrics.Summary
	}{
		{StageTrain, train, &res.Train},
		{StageTest, test, &res.Test},
	}
	for _, p := range passes {
		before := p.runner.Batches()
		err := p.runner.Run(klog.NewContext(ctx, log), p.stage, tracker)
		*p.dst = p.runner.Summary()
		if err != nil {
			return res, &StageError{
				Stage: p.stage,
				Epoch: epoch,
				Batch: p.runner.Batches() - before + 1,
				Err:   err,
			}
		}
		recordEpoch(tracker, p.stage, *p.dst, epoch)
	}

	log.V(1).Info("epoch complete",
		"train_accuracy", res.Train.Accuracy,
		"train_loss", res.Train.Loss,
		"test_accuracy", res.Test.Accuracy,
		"test_loss", res.Test.Loss,
	)
	return res, nil
}

func recordEpoch(tracker Tracker, stage string, s metrics.Summary, epoch int) {
	tracker.RecordMetric(stage, MetricEpochAccuracy, s.Accuracy, epoch)
	tracker.RecordMetric(stage, MetricEpochLoss, s.Loss, epoch)
	if s.Confusion != nil {
		tracker.RecordMatrix(stage, MetricConfusion, s.Confusion, epoch)
	}
}
