package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"k8s.io/klog/v2"

	"epochforge/internal/config"
	"epochforge/internal/dataset"
	"epochforge/internal/model"
	"epochforge/internal/optim"
	"epochforge/internal/runner"
	"epochforge/internal/tracking"
)

// MaxFlushFailures is how many consecutive failed flushes end the run.
const MaxFlushFailures = 3

const defaultClasses = 10

// Run loads the datasets named by cfg, trains a LinearNet with Adam for
// cfg.Params.EpochCount epochs and writes one summary line per epoch to out.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := klog.FromContext(ctx)

	opts := dataset.Options{
		BatchSize: cfg.Params.BatchSize,
		Shuffle:   cfg.Params.Shuffle,
		Seed:      cfg.Params.Seed,
	}
	testSrc, err := dataset.Open(cfg.Paths.Data, cfg.Files.TestData, cfg.Files.TestLabels, opts)
	if err != nil {
		return fmt.Errorf("test data: %w", err)
	}
	trainSrc, err := dataset.Open(cfg.Paths.Data, cfg.Files.TrainData, cfg.Files.TrainLabels, opts)
	if err != nil {
		return fmt.Errorf("train data: %w", err)
	}
	if trainSrc.Features() != testSrc.Features() {
		return fmt.Errorf("train items have %d features but test items have %d", trainSrc.Features(), testSrc.Features())
	}
	classes := max(defaultClasses, trainSrc.Classes(), testSrc.Classes())
	log.Info("loaded datasets",
		"train", trainSrc.Len(), "test", testSrc.Len(),
		"features", trainSrc.Features(), "classes", classes)

	mdl := model.NewLinearNet(trainSrc.Features(), classes, cfg.Params.Seed)
	opt := optim.NewAdam(cfg.Params.LR)

	testRunner, err := runner.NewEvalRunner(testSrc, mdl, runner.WithLogEvery(cfg.Params.LogEvery))
	if err != nil {
		return err
	}
	trainRunner, err := runner.NewTrainRunner(trainSrc, mdl, opt, runner.WithLogEvery(cfg.Params.LogEvery))
	if err != nil {
		return err
	}

	tracker, err := tracking.Open(cfg.Paths.Log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			log.Error(err, "closing metric log")
		}
	}()

	loop := &Loop{
		Epochs:  cfg.Params.EpochCount,
		Train:   trainRunner,
		Test:    testRunner,
		Tracker: tracker,
		Out:     out,
	}
	if cfg.Paths.Mirror != "" {
		mirror, err := tracking.ParseMirror(cfg.Paths.Mirror)
		if err != nil {
			return err
		}
		loop.Mirror = mirror
		loop.LogPath = filepath.Join(cfg.Paths.Log, tracking.DBFile)
	}
	return loop.Run(ctx)
}

// Loop drives already constructed runners for a number of epochs.
type Loop struct {
	Epochs  int
	Train   *runner.Runner
	Test    *runner.Runner
	Tracker *tracking.Tracker
	Out     io.Writer

	// Mirror, when set, receives LogPath after every successful flush.
	Mirror  tracking.Mirror
	LogPath string
}

// Run executes every epoch: run both passes, print the summary, reset the
// runners, flush the tracker. A failed epoch ends the run before anything is
// printed for it. Flush failures are retried on the next epoch until
// MaxFlushFailures happen in a row.
func (l *Loop) Run(ctx context.Context) error {
	if l.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	log := klog.FromContext(ctx)

	failures := 0
	for epoch := 0; epoch < l.Epochs; epoch++ {
		res, err := runner.RunEpoch(ctx, l.Train, l.Test, l.Tracker, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d/%d: %w", epoch+1, l.Epochs, err)
		}

		fmt.Fprintf(l.Out, "\n%s\n\n", Summary(epoch, l.Epochs, res))

		l.Train.Reset()
		l.Test.Reset()

		if err := l.Tracker.Flush(ctx); err != nil {
			failures++
			log.Error(err, "flushing metrics", "epoch", epoch+1, "pending", l.Tracker.Pending(), "failures", failures)
			if failures >= MaxFlushFailures {
				return fmt.Errorf("epoch %d/%d: %d consecutive flush failures: %w", epoch+1, l.Epochs, failures, err)
			}
			continue
		}
		failures = 0
		l.mirror(ctx)
	}

	if l.Tracker.Pending() > 0 {
		if err := l.Tracker.Flush(ctx); err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
		l.mirror(ctx)
	}
	return nil
}

func (l *Loop) mirror(ctx context.Context) {
	if l.Mirror == nil || l.LogPath == "" {
		return
	}
	if err := l.Mirror.Upload(ctx, l.LogPath); err != nil {
		klog.FromContext(ctx).Error(err, "mirroring metric log", "path", l.LogPath)
	}
}

// Summary formats the per-epoch console line.
func Summary(epoch, total int, res runner.EpochResult) string {
	return fmt.Sprintf("[Epoch: %d/%d], Test Accuracy: %0.4f, Train Accuracy: %0.4f",
		epoch+1, total, res.Test.Accuracy, res.Train.Accuracy)
}
