package metrics

import (
	"errors"
	"fmt"
	"time"
)

// Accumulator holds the running sums for one epoch of a single stage.
//
// It is never cleared implicitly: callers reset it at epoch boundaries.
type Accumulator struct {
	lossSum float64
	correct int
	samples int
	batches int

	data    time.Duration
	compute time.Duration

	// confusion[label][prediction], grown to the widest class index seen.
	confusion [][]int
}

// Observe adds one batch given its mean loss, true labels and predicted labels.
// labels and preds must have the same length.
func (a *Accumulator) Observe(loss float64, labels, preds []int) {
	correct := 0
	for i, label := range labels {
		pred := preds[i]
		if pred == label {
			correct++
		}
		a.count(label, pred)
	}
	a.add(loss, correct, len(labels))
}

// ErrCounts reports a batch whose correct count is outside [0, samples].
var ErrCounts = errors.New("metrics: correct count out of range")

// Add adds one batch from precomputed counts. A batch with a negative sample
// count or with correct outside [0, samples] is rejected and not recorded.
func (a *Accumulator) Add(loss float64, correct, samples int) error {
	if samples < 0 || correct < 0 || correct > samples {
		return fmt.Errorf("%w: %d correct of %d samples", ErrCounts, correct, samples)
	}
	a.add(loss, correct, samples)
	return nil
}

func (a *Accumulator) add(loss float64, correct, samples int) {
	a.lossSum += loss
	a.correct += correct
	a.samples += samples
	a.batches++
}

// Time attributes data-wait and compute durations to the current epoch.
func (a *Accumulator) Time(dataTime, computeTime time.Duration) {
	a.data += dataTime
	a.compute += computeTime
}

func (a *Accumulator) count(label, pred int) {
	if label < 0 || pred < 0 {
		return
	}
	size := label + 1
	if pred >= size {
		size = pred + 1
	}
	if size > len(a.confusion) {
		grown := make([][]int, size)
		for i := range grown {
			grown[i] = make([]int, size)
			if i < len(a.confusion) {
				copy(grown[i], a.confusion[i])
			}
		}
		a.confusion = grown
	}
	a.confusion[label][pred]++
}

// AverageAccuracy returns correct/samples, or 0 when no samples were seen.
func (a *Accumulator) AverageAccuracy() float64 {
	v, _ := a.Accuracy()
	return v
}

// Accuracy returns correct/samples and whether any sample was seen at all.
func (a *Accumulator) Accuracy() (float64, bool) {
	if a.samples == 0 {
		return 0, false
	}
	return float64(a.correct) / float64(a.samples), true
}

// AverageLoss returns the mean of the per-batch losses, or 0 when empty.
func (a *Accumulator) AverageLoss() float64 {
	if a.batches == 0 {
		return 0
	}
	return a.lossSum / float64(a.batches)
}

func (a *Accumulator) Correct() int { return a.correct }
func (a *Accumulator) Samples() int { return a.samples }
func (a *Accumulator) Batches() int { return a.batches }
func (a *Accumulator) LossSum() float64 { return a.lossSum }

// Reset zeroes every running sum.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Summary returns an immutable copy of the accumulated epoch metrics.
func (a *Accumulator) Summary() Summary {
	s := Summary{
		Loss:    a.AverageLoss(),
		LossSum: a.lossSum,
		Correct: a.correct,
		Samples: a.samples,
		Batches: a.batches,
	}
	s.Accuracy, s.HasData = a.Accuracy()
	total := a.data + a.compute
	if total > 0 {
		s.SamplesPerSec = float64(a.samples) / total.Seconds()
	}
	if a.batches > 0 {
		s.AvgDataMS = (a.data.Seconds() * 1000) / float64(a.batches)
		s.AvgComputeMS = (a.compute.Seconds() * 1000) / float64(a.batches)
	}
	if len(a.confusion) > 0 {
		s.Confusion = make([][]int, len(a.confusion))
		for i, row := range a.confusion {
			s.Confusion[i] = append([]int(nil), row...)
		}
	}
	return s
}

// Summary is a point-in-time view of an Accumulator.
type Summary struct {
	Accuracy float64
	HasData  bool
	Loss     float64
	LossSum  float64
	Correct  int
	Samples  int
	Batches  int

	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64

	Confusion [][]int
}
