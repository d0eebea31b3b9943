// Package tracking buffers experiment metrics in memory and commits them to a
// persistent sink on explicit flush.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"k8s.io/klog/v2"
)

// ErrClosed is returned by operations on a closed Tracker.
var ErrClosed = errors.New("tracking: tracker closed")

// Key identifies a buffered value. Recording the same key twice keeps the last value.
type Key struct {
	Stage  string
	Metric string
	Step   int
}

func (k Key) less(o Key) bool {
	if k.Stage != o.Stage {
		return k.Stage < o.Stage
	}
	if k.Metric != o.Metric {
		return k.Metric < o.Metric
	}
	return k.Step < o.Step
}

// Scalar is one recorded scalar metric.
type Scalar struct {
	Key
	Epoch    int
	Value    float64
	WallTime time.Time
}

// Matrix is one recorded integer matrix, such as a confusion matrix.
type Matrix struct {
	Key
	Epoch    int
	Rows     [][]int
	WallTime time.Time
}

// Commit is the unit handed to a Sink: everything buffered since the last flush.
type Commit struct {
	Scalars  []Scalar
	Matrices []Matrix
}

// Len is the total number of entries in the commit.
func (c Commit) Len() int {
	return len(c.Scalars) + len(c.Matrices)
}

// Sink persists commits. Commit must either persist every entry or report an
// error, and must tolerate receiving entries it has already stored.
type Sink interface {
	Commit(ctx context.Context, c Commit) error
	Close() error
}

// Tracker buffers metrics keyed by (stage, metric, step) until Flush.
// It is not safe for concurrent use.
type Tracker struct {
	sink     Sink
	epoch    int
	scalars  map[Key]Scalar
	matrices map[Key]Matrix
	closed   bool
	now      func() time.Time
}

// New returns a Tracker committing to sink.
func New(sink Sink) *Tracker {
	return &Tracker{
		sink:     sink,
		scalars:  make(map[Key]Scalar),
		matrices: make(map[Key]Matrix),
		now:      time.Now,
	}
}

// Open returns a Tracker backed by a SQLite log inside logDir.
func Open(logDir string) (*Tracker, error) {
	sink, err := OpenSQLite(logDir)
	if err != nil {
		return nil, err
	}
	return New(sink), nil
}

// SetEpoch tags every value recorded afterwards with epoch.
func (t *Tracker) SetEpoch(epoch int) {
	t.epoch = epoch
}

// Epoch returns the current epoch tag.
func (t *Tracker) Epoch() int {
	return t.epoch
}

// RecordMetric buffers value under (stage, name, step). It never performs I/O.
func (t *Tracker) RecordMetric(stage, name string, value float64, step int) {
	k := Key{Stage: stage, Metric: name, Step: step}
	t.scalars[k] = Scalar{Key: k, Epoch: t.epoch, Value: value, WallTime: t.now()}
}

// RecordMatrix buffers a copy of rows under (stage, name, step).
func (t *Tracker) RecordMatrix(stage, name string, rows [][]int, step int) {
	k := Key{Stage: stage, Metric: name, Step: step}
	cp := make([][]int, len(rows))
	for i, row := range rows {
		cp[i] = append([]int(nil), row...)
	}
	t.matrices[k] = Matrix{Key: k, Epoch: t.epoch, Rows: cp, WallTime: t.now()}
}

// Pending reports the number of buffered entries not yet flushed.
func (t *Tracker) Pending() int {
	return len(t.scalars) + len(t.matrices)
}

// Scalar returns the buffered value for a key, if any.
func (t *Tracker) Scalar(stage, name string, step int) (float64, bool) {
	s, ok := t.scalars[Key{Stage: stage, Metric: name, Step: step}]
	return s.Value, ok
}

// Flush commits every buffered entry in one Sink.Commit call and clears the
// buffer on success. An empty buffer does not reach the sink. On failure the
// buffer is kept so a later Flush retries the full set.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	if t.Pending() == 0 {
		return nil
	}
	log := klog.FromContext(ctx)

	c := t.snapshot()
	startedAt := time.Now()
	if err := t.sink.Commit(ctx, c); err != nil {
		return fmt.Errorf("flush %d entries: %w", c.Len(), err)
	}
	t.scalars = make(map[Key]Scalar)
	t.matrices = make(map[Key]Matrix)

	log.V(1).Info("flushed metrics", "epoch", t.Epoch(), "scalars", len(c.Scalars), "matrices", len(c.Matrices), "duration", time.Since(startedAt))
	return nil
}

func (t *Tracker) snapshot() Commit {
	c := Commit{
		Scalars:  make([]Scalar, 0, len(t.scalars)),
		Matrices: make([]Matrix, 0, len(t.matrices)),
	}
	for _, s := range t.scalars {
		c.Scalars = append(c.Scalars, s)
	}
	for _, m := range t.matrices {
		c.Matrices = append(c.Matrices, m)
	}
	sort.Slice(c.Scalars, func(i, j int) bool { return c.Scalars[i].Key.less(c.Scalars[j].Key) })
	sort.Slice(c.Matrices, func(i, j int) bool { return c.Matrices[i].Key.less(c.Matrices[j].Key) })
	return c
}

// Close releases the sink. Unflushed entries are dropped. Calling Close more
// than once returns nil.
func (t *Tracker) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}
