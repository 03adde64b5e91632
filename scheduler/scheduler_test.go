package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbari/dbpulse/certprobe"
	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/dsn"
	"github.com/nbari/dbpulse/metrics"
	"github.com/nbari/dbpulse/probe"
)

type countingDialect struct {
	calls atomic.Int64
	sleep time.Duration
	panic bool
}

func (c *countingDialect) Name() string { return "postgres" }
func (c *countingDialect) Probe(ctx context.Context, cfg *dsn.Config, in dialect.IterationInput, m *metrics.Registry) error {
	c.calls.Add(1)
	if c.sleep > 0 {
		time.Sleep(c.sleep)
	}
	if c.panic {
		panic("injected panic")
	}
	return nil
}

func newTestScheduler(d dialect.Dialect, interval time.Duration) *Scheduler {
	cfg := &dsn.Config{Driver: "postgres"}
	e := probe.New(d, cfg, metrics.New(), certprobe.NewCache(time.Hour), 100)
	return New(e, interval)
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	d := &countingDialect{}
	s := newTestScheduler(d, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(90 * time.Millisecond)
	cancel()
	s.Stop()

	if n := d.calls.Load(); n < 2 {
		t.Fatalf("expected at least 2 iterations, got %d", n)
	}
}

func TestScheduler_NonOverlapping(t *testing.T) {
	d := &countingDialect{sleep: 30 * time.Millisecond}
	s := newTestScheduler(d, 10*time.Millisecond) // iteration is slower than the interval

	var maxConcurrent atomic.Int64
	var current atomic.Int64
	wrapped := &trackingDialect{inner: d, current: &current, max: &maxConcurrent}
	s.engine.Dialect = wrapped

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	if maxConcurrent.Load() > 1 {
		t.Fatalf("expected iterations to never overlap, saw %d concurrent", maxConcurrent.Load())
	}
}

type trackingDialect struct {
	inner   dialect.Dialect
	current *atomic.Int64
	max     *atomic.Int64
}

func (t *trackingDialect) Name() string { return t.inner.Name() }
func (t *trackingDialect) Probe(ctx context.Context, cfg *dsn.Config, in dialect.IterationInput, m *metrics.Registry) error {
	n := t.current.Add(1)
	for {
		m2 := t.max.Load()
		if n <= m2 || t.max.CompareAndSwap(m2, n) {
			break
		}
	}
	defer t.current.Add(-1)
	return t.inner.Probe(ctx, cfg, in, m)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	d := &countingDialect{}
	s := newTestScheduler(d, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	s.Stop()
	s.Stop() // must not panic or block
}

func TestScheduler_PanicStillAdvances(t *testing.T) {
	d := &countingDialect{panic: true}
	s := newTestScheduler(d, 5*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if n := d.calls.Load(); n < 2 {
		t.Fatalf("expected the scheduler to keep going after a panic, got %d calls", n)
	}
}
