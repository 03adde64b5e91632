// Package probe implements the per-tick iteration engine: it sequences
// the dialect's state machine and the certificate probe, classifies
// failures, records every metric, and recovers from panics without
// letting them escape to the scheduler.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/nbari/dbpulse/certprobe"
	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/dsn"
	"github.com/nbari/dbpulse/metrics"
)

// Engine runs one probe cycle at a time. It holds only process-lifetime
// state (the dialect, the immutable configuration, the metrics registry,
// and the certificate cache); everything else is scratch state local to
// a single call to Run.
type Engine struct {
	Dialect   dialect.Dialect
	Config    *dsn.Config
	Metrics   *metrics.Registry
	CertCache *certprobe.Cache
	Range     int32
	Logger    *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.Logger = logger }
}

// New builds an Engine for the given dialect and configuration.
func New(d dialect.Dialect, cfg *dsn.Config, m *metrics.Registry, cache *certprobe.Cache, rangeN int32, opts ...Option) *Engine {
	e := &Engine{
		Dialect:   d,
		Config:    cfg,
		Metrics:   m,
		CertCache: cache,
		Range:     rangeN,
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome reports whether Run recovered from a panic, so the scheduler
// can apply the mandatory full-interval sleep afterward.
type Outcome struct {
	Panicked bool
}

// Run executes exactly one iteration: choose scratch state, run the
// dialect state machine, probe the certificate (best effort), and record
// every metric named in the specification. It never panics — any panic
// from the dialect layer is recovered, counted, and turned into a failed
// iteration.
func (e *Engine) Run(ctx context.Context) Outcome {
	start := time.Now()
	name := e.Dialect.Name()
	in := e.chooseScratchState(start)

	outcome := Outcome{}
	err := e.runRecovered(ctx, in, &outcome)

	e.probeCertificate(ctx, in.Now)

	runtime := time.Since(start)
	e.Metrics.Runtime.WithLabelValues(name).Observe(runtime.Seconds())
	e.Metrics.RuntimeLastMillis.WithLabelValues(name).Set(float64(runtime.Milliseconds()))

	if err == nil {
		e.Metrics.Pulse.WithLabelValues(name).Set(1)
		e.Metrics.IterationsTotal.WithLabelValues(name, "success").Inc()
		e.Metrics.LastSuccessTimestamp.WithLabelValues(name).Set(float64(in.Now.Unix()))
		return outcome
	}

	e.Metrics.Pulse.WithLabelValues(name).Set(0)
	e.Metrics.IterationsTotal.WithLabelValues(name, "error").Inc()
	if !outcome.Panicked {
		errType := Classify(err)
		e.Metrics.ErrorsTotal.WithLabelValues(name, string(errType)).Inc()
		if e.Config.TLS.Enabled() && IsTLSError(err) {
			e.Metrics.TLSConnectionErrors.WithLabelValues(name, "handshake").Inc()
		}
		e.Logger.Error("iteration failed", "database", name, "error_type", errType, "error", err)
	}
	return outcome
}

// chooseScratchState picks the per-iteration id, uuid, and t1 marker. The
// rollback test always operates on a distinct id so it can never clobber
// the row the main probe just wrote.
func (e *Engine) chooseScratchState(now time.Time) dialect.IterationInput {
	rangeN := e.Range
	if rangeN < 1 {
		rangeN = 1
	}
	id := rand.Int31n(rangeN)
	rollbackID := int32(now.UnixMicro() % 2147483647)
	if rollbackID == id {
		rollbackID = (rollbackID + 1) % 2147483647
	}
	return dialect.IterationInput{
		ID:         id,
		RollbackID: rollbackID,
		UUID:       uuid.NewString(),
		T1:         now.UnixMilli(),
		Now:        now,
	}
}

// runRecovered invokes the dialect's Probe with panic recovery, turning
// any panic into a failed iteration: it increments
// panics_recovered_total, then logs the recovered value at Error level.
func (e *Engine) runRecovered(ctx context.Context, in dialect.IterationInput, outcome *Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome.Panicked = true
			e.Metrics.PanicsRecoveredTotal.Inc()
			e.Logger.Error("recovered panic in iteration", "database", e.Dialect.Name(), "panic", r)
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return e.Dialect.Probe(ctx, e.Config, in, e.Metrics)
}

// probeCertificate fetches certificate metadata (via the cache) and
// records it. A probe failure never fails the iteration; it is counted
// under tls_cert_probe_errors_total and logged at Warn level.
func (e *Engine) probeCertificate(ctx context.Context, now time.Time) {
	if !e.Config.TLS.Enabled() {
		return
	}
	name := e.Dialect.Name()
	host, port := e.certHostPort()
	if host == "" {
		return
	}

	proto := certprobe.ProtocolPostgres
	if name == "mysql" {
		proto = certprobe.ProtocolMySQL
	}

	meta, err := certprobe.GetOrProbe(ctx, e.CertCache, host, port, proto)
	if err != nil {
		errType := "connection"
		var pe *certprobe.ProbeError
		if errors.As(err, &pe) {
			errType = string(pe.Type)
		}
		e.Metrics.TLSCertProbeErrorsTotal.WithLabelValues(name, errType).Inc()
		e.Logger.Warn("certificate probe failed", "database", name, "error", err)
		return
	}
	e.Metrics.TLSCertExpiryDays.WithLabelValues(name).Set(float64(meta.ExpiryDays(now)))
}

// certHostPort resolves the host/port the certificate probe should dial.
// Unix-socket DSNs have no TCP endpoint to probe.
func (e *Engine) certHostPort() (host, port string) {
	if e.Config.Socket != "" {
		return "", ""
	}
	return e.Config.Host, e.Config.Port
}
