package runner

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"epochforge/internal/dataset"
	"epochforge/internal/model"
	"epochforge/internal/optim"
	"epochforge/internal/tracking"
)

func twoBatchScenario() (*sliceSource, *scriptedModel) {
	src := &sliceSource{batches: []model.Batch{
		labelBatch(0, 1, 2, 3),
		labelBatch(0, 1, 2, 3),
	}}
	mdl := newScriptedModel(4, [][]int{
		{0, 1, 2, 0}, // 3/4 correct
		{0, 1, 0, 0}, // 2/4 correct
	}, []float64{0.5, 0.8})
	return src, mdl
}

func TestTrainRunnerScenario(t *testing.T) {
	src, mdl := twoBatchScenario()
	opt := &countingOptimizer{}
	r, err := NewTrainRunner(src, mdl, opt)
	if err != nil {
		t.Fatalf("NewTrainRunner: %v", err)
	}
	tr := tracking.New(nopSink{})

	if err := r.Run(context.Background(), StageTrain, tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := r.AverageAccuracy(); got != 0.625 {
		t.Fatalf("expected accuracy 0.625, got %f", got)
	}
	if got := r.AverageLoss(); math.Abs(got-0.65) > 1e-12 {
		t.Fatalf("expected loss 0.65, got %f", got)
	}
	if opt.steps != 2 || mdl.backwards != 2 {
		t.Fatalf("expected 2 optimizer steps and backward passes, got %d and %d", opt.steps, mdl.backwards)
	}
	if tr.Pending() != 4 {
		t.Fatalf("expected 2 accuracy + 2 loss points, got %d entries", tr.Pending())
	}
	for step, want := range map[int]float64{1: 0.75, 2: 0.625} {
		if v, ok := tr.Scalar(StageTrain, MetricBatchAccuracy, step); !ok || v != want {
			t.Fatalf("step %d accuracy=%v ok=%v want %v", step, v, ok, want)
		}
		if _, ok := tr.Scalar(StageTrain, MetricBatchLoss, step); !ok {
			t.Fatalf("missing loss at step %d", step)
		}
	}
}

func TestEvalRunnerNeverSteps(t *testing.T) {
	src, mdl := twoBatchScenario()
	r, err := NewEvalRunner(src, mdl)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	if err := r.Run(context.Background(), StageTest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mdl.backwards != 0 {
		t.Fatalf("eval runner ran %d backward passes", mdl.backwards)
	}
	if r.Mode() != Evaluate || r.Mode().String() != "evaluate" {
		t.Fatalf("unexpected mode %v", r.Mode())
	}
}

func TestTrainRunnerRequiresOptimizer(t *testing.T) {
	src, mdl := twoBatchScenario()
	if _, err := NewTrainRunner(src, mdl, nil); err == nil {
		t.Fatal("expected error for missing optimizer")
	}
	if _, err := NewEvalRunner(nil, mdl); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := NewEvalRunner(src, nil); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestResetClearsAccumulatorOnly(t *testing.T) {
	src, mdl := twoBatchScenario()
	r, err := NewTrainRunner(src, mdl, &countingOptimizer{})
	if err != nil {
		t.Fatalf("NewTrainRunner: %v", err)
	}
	if err := r.Run(context.Background(), StageTrain, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	r.Reset()
	if got := r.AverageAccuracy(); got != 0 {
		t.Fatalf("expected 0 after reset, got %f", got)
	}
	if _, ok := r.Accuracy(); ok {
		t.Fatal("expected no-data signal after reset")
	}
	if r.Steps() != 2 {
		t.Fatalf("reset must not rewind the step counter, got %d", r.Steps())
	}
}

func TestRunTwiceAccumulatesLikeConcatenation(t *testing.T) {
	src, mdl := twoBatchScenario()
	mdl.preds = append(mdl.preds, mdl.preds...)
	mdl.losses = append(mdl.losses, mdl.losses...)
	r, err := NewEvalRunner(src, mdl)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Run(context.Background(), StageTest, nil); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	concat := &sliceSource{batches: append(append([]model.Batch{}, src.batches...), src.batches...)}
	_, once := twoBatchScenario()
	once.preds = mdl.preds
	once.losses = mdl.losses
	single, err := NewEvalRunner(concat, once)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	if err := single.Run(context.Background(), StageTest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	a, b := r.Summary(), single.Summary()
	if a.Correct != b.Correct || a.Samples != b.Samples || a.Batches != b.Batches || a.LossSum != b.LossSum {
		t.Fatalf("twice=%+v concatenated=%+v", a, b)
	}
	if src.streams != 2 {
		t.Fatalf("expected a fresh pass per Run, got %d streams", src.streams)
	}
}

func TestRunStepsStrictlyIncreaseAcrossEpochs(t *testing.T) {
	src, mdl := twoBatchScenario()
	mdl.preds = append(mdl.preds, mdl.preds...)
	mdl.losses = append(mdl.losses, mdl.losses...)
	r, err := NewEvalRunner(src, mdl)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	rec := &fakeTracker{}
	for i := 0; i < 2; i++ {
		if err := r.Run(context.Background(), StageTest, rec); err != nil {
			t.Fatalf("Run: %v", err)
		}
		r.Reset()
	}
	last := 0
	for _, s := range rec.scalars {
		if s.name != MetricBatchAccuracy {
			continue
		}
		if s.step <= last {
			t.Fatalf("step %d after %d", s.step, last)
		}
		last = s.step
	}
	if last != 4 {
		t.Fatalf("expected final step 4, got %d", last)
	}
}

func TestRunSourceFailureKeepsPartialState(t *testing.T) {
	src, mdl := twoBatchScenario()
	boom := errors.New("corrupt record")
	src.failAt = 2
	src.err = boom
	r, err := NewEvalRunner(src, mdl)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	err = r.Run(context.Background(), StageTest, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if r.Batches() != 1 || r.AverageAccuracy() != 0.75 {
		t.Fatalf("expected partial state of first batch, got batches=%d acc=%f", r.Batches(), r.AverageAccuracy())
	}
}

func TestRunStopsOnErrorWithOpenBatchChannel(t *testing.T) {
	boom := errors.New("shard unreadable")
	r, err := NewEvalRunner(stalledSource{err: boom}, newScriptedModel(2, nil, nil))
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), StageTest, nil)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected source error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the source reported an error")
	}
	if r.Batches() != 0 {
		t.Fatalf("expected no batches, got %d", r.Batches())
	}
}

func TestRunRejectsDivergedLoss(t *testing.T) {
	src := &sliceSource{batches: []model.Batch{labelBatch(0)}}
	mdl := newScriptedModel(2, [][]int{{0}}, []float64{math.NaN()})
	opt := &countingOptimizer{}
	r, err := NewTrainRunner(src, mdl, opt)
	if err != nil {
		t.Fatalf("NewTrainRunner: %v", err)
	}
	if err := r.Run(context.Background(), StageTrain, nil); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if opt.steps != 0 {
		t.Fatal("optimizer stepped on a diverged batch")
	}
	if r.Batches() != 0 {
		t.Fatal("diverged batch was accumulated")
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	src, mdl := twoBatchScenario()
	r, err := NewEvalRunner(src, mdl)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, StageTest, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunEmptySource(t *testing.T) {
	r, err := NewEvalRunner(&sliceSource{}, newScriptedModel(2, nil, nil))
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	if err := r.Run(context.Background(), StageTest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	r.Reset()
	if got := r.AverageAccuracy(); got != 0 || math.IsNaN(got) {
		t.Fatalf("expected 0 accuracy for empty source, got %f", got)
	}
	if _, ok := r.Accuracy(); ok {
		t.Fatal("expected no-data signal for empty source")
	}
}

func TestEvalLeavesParametersUntouchedTrainChangesThem(t *testing.T) {
	src, err := dataset.FromSlices(
		[][]float64{{1, 0}, {0, 1}, {1, 1}, {0, 0}},
		[]int{0, 1, 1, 0},
		dataset.Options{BatchSize: 2},
	)
	if err != nil {
		t.Fatalf("FromSlices: %v", err)
	}
	net := model.NewLinearNet(2, 2, 5)
	snapshot := func() []*mat.Dense {
		var out []*mat.Dense
		for _, p := range net.Params() {
			out = append(out, mat.DenseCopyOf(p.Value))
		}
		return out
	}
	same := func(a []*mat.Dense) bool {
		for i, p := range net.Params() {
			if !mat.Equal(a[i], p.Value) {
				return false
			}
		}
		return true
	}

	eval, err := NewEvalRunner(src, net)
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	before := snapshot()
	if err := eval.Run(context.Background(), StageTest, nil); err != nil {
		t.Fatalf("eval Run: %v", err)
	}
	if !same(before) {
		t.Fatal("eval pass changed model parameters")
	}

	train, err := NewTrainRunner(src, net, &optim.SGD{LR: 0.1})
	if err != nil {
		t.Fatalf("NewTrainRunner: %v", err)
	}
	if err := train.Run(context.Background(), StageTrain, nil); err != nil {
		t.Fatalf("train Run: %v", err)
	}
	if same(before) {
		t.Fatal("train pass left model parameters unchanged")
	}
}

func TestAccuracyMatchesIndependentCount(t *testing.T) {
	labels := [][]int{{0, 1, 1}, {2, 0}, {1, 1, 2, 0}}
	preds := [][]int{{0, 0, 1}, {2, 2}, {1, 1, 1, 0}}
	src := &sliceSource{}
	correct, total := 0, 0
	for i := range labels {
		src.batches = append(src.batches, labelBatch(labels[i]...))
		for j := range labels[i] {
			if labels[i][j] == preds[i][j] {
				correct++
			}
			total++
		}
	}
	r, err := NewEvalRunner(src, newScriptedModel(3, preds, []float64{1, 1, 1}))
	if err != nil {
		t.Fatalf("NewEvalRunner: %v", err)
	}
	if err := r.Run(context.Background(), StageTest, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := float64(correct) / float64(total); r.AverageAccuracy() != want {
		t.Fatalf("accuracy %f want %f", r.AverageAccuracy(), want)
	}
}

type nopSink struct{}

func (nopSink) Commit(context.Context, tracking.Commit) error { return nil }
func (nopSink) Close() error { return nil }
