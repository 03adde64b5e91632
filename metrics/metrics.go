// Package metrics defines the dbpulse Prometheus registry: every gauge,
// counter, and histogram the probe engine updates, plus the default
// process and Go runtime collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// OperationDurationBuckets covers the sub-5-second operations the
// dialect layer performs; session timeouts are enforced at 5s/2s so the
// default prometheus buckets would be too coarse near the edges that
// matter.
var OperationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Registry wraps a dedicated, non-global prometheus.Registry carrying
// every metric named in the specification.
type Registry struct {
	reg *prometheus.Registry

	Pulse                   *prometheus.GaugeVec
	Runtime                 *prometheus.HistogramVec
	RuntimeLastMillis       *prometheus.GaugeVec
	IterationsTotal         *prometheus.CounterVec
	LastSuccessTimestamp    *prometheus.GaugeVec
	OperationDuration       *prometheus.HistogramVec
	ConnectionDuration      *prometheus.HistogramVec
	ConnectionsActive       *prometheus.GaugeVec
	RowsAffectedTotal       *prometheus.CounterVec
	TableSizeBytes          *prometheus.GaugeVec
	TableRows               *prometheus.GaugeVec
	DatabaseSizeBytes       *prometheus.GaugeVec
	DatabaseReadonly        *prometheus.GaugeVec
	DatabaseVersionInfo     *prometheus.GaugeVec
	DatabaseHostInfo        *prometheus.GaugeVec
	DatabaseUptimeSeconds   *prometheus.GaugeVec
	ReplicationLagSeconds   *prometheus.HistogramVec
	BlockingQueries         *prometheus.GaugeVec
	ErrorsTotal             *prometheus.CounterVec
	PanicsRecoveredTotal    prometheus.Counter
	TLSHandshakeDuration    *prometheus.HistogramVec
	TLSConnectionErrors     *prometheus.CounterVec
	TLSInfo                 *prometheus.GaugeVec
	TLSCertExpiryDays       *prometheus.GaugeVec
	TLSCertProbeErrorsTotal *prometheus.CounterVec
}

// New builds and registers every dbpulse metric in a fresh registry,
// along with the standard process and Go runtime collectors. Metric
// registration failures are programmer errors (duplicate names, bad
// label sets) and panic immediately, mirroring the original
// implementation's fail-fast-at-startup discipline.
func New() *Registry {
	reg := prometheus.NewRegistry()
	mustRegister(reg, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mustRegister(reg, collectors.NewGoCollector())

	r := &Registry{
		reg: reg,

		Pulse: newGaugeVec(reg, "dbpulse_pulse", "1 ok, 0 error", "database"),
		Runtime: newHistogramVec(reg, "dbpulse_runtime", "pulse latency in seconds",
			prometheus.DefBuckets, "database"),
		RuntimeLastMillis: newGaugeVec(reg, "dbpulse_runtime_last_milliseconds",
			"Runtime of the most recent health check iteration in milliseconds", "database"),
		IterationsTotal: newCounterVec(reg, "dbpulse_iterations_total",
			"Total monitoring iterations", "database", "status"),
		LastSuccessTimestamp: newGaugeVec(reg, "dbpulse_last_success_timestamp_seconds",
			"Unix timestamp of last successful check", "database"),
		OperationDuration: newHistogramVec(reg, "dbpulse_operation_duration_seconds",
			"Duration of specific database operations", OperationDurationBuckets, "database", "operation"),
		ConnectionDuration: newHistogramVec(reg, "dbpulse_connection_duration_seconds",
			"Time connection is held open", prometheus.DefBuckets, "database"),
		ConnectionsActive: newGaugeVec(reg, "dbpulse_connections_active",
			"Connections opened by the probe and not yet closed", "database"),
		RowsAffectedTotal: newCounterVec(reg, "dbpulse_rows_affected_total",
			"Total rows affected by operations", "database", "operation"),
		TableSizeBytes: newGaugeVec(reg, "dbpulse_table_size_bytes",
			"Approximate table size in bytes", "database", "table"),
		TableRows: newGaugeVec(reg, "dbpulse_table_rows",
			"Approximate row count", "database", "table"),
		DatabaseSizeBytes: newGaugeVec(reg, "dbpulse_database_size_bytes",
			"Total database size in bytes", "database"),
		DatabaseReadonly: newGaugeVec(reg, "dbpulse_database_readonly",
			"1 if database is in read-only mode", "database"),
		DatabaseVersionInfo: newGaugeVec(reg, "dbpulse_database_version_info",
			"Database server version info (value is always 1)", "database", "version"),
		DatabaseHostInfo: newGaugeVec(reg, "dbpulse_database_host_info",
			"Database host currently serving the connection (value is always 1)", "database", "host"),
		DatabaseUptimeSeconds: newGaugeVec(reg, "dbpulse_database_uptime_seconds",
			"How long (in seconds) the database has been up", "database"),
		ReplicationLagSeconds: newHistogramVec(reg, "dbpulse_replication_lag_seconds",
			"Replication lag in seconds (for replicas)", prometheus.DefBuckets, "database"),
		BlockingQueries: newGaugeVec(reg, "dbpulse_blocking_queries",
			"Number of queries currently blocking others", "database"),
		ErrorsTotal: newCounterVec(reg, "dbpulse_errors_total",
			"Total database errors by type", "database", "error_type"),
		PanicsRecoveredTotal: newCounter(reg, "dbpulse_panics_recovered_total",
			"Total panics recovered from"),
		TLSHandshakeDuration: newHistogramVec(reg, "dbpulse_tls_handshake_duration_seconds",
			"TLS handshake duration in seconds", prometheus.DefBuckets, "database"),
		TLSConnectionErrors: newCounterVec(reg, "dbpulse_tls_connection_errors_total",
			"Total TLS connection errors by type", "database", "error_type"),
		TLSInfo: newGaugeVec(reg, "dbpulse_tls_info",
			"TLS connection info (version, cipher) - value is always 1", "database", "version", "cipher"),
		TLSCertExpiryDays: newGaugeVec(reg, "dbpulse_tls_cert_expiry_days",
			"Days until TLS certificate expiration (negative if expired)", "database"),
		TLSCertProbeErrorsTotal: newCounterVec(reg, "dbpulse_tls_cert_probe_errors_total",
			"Total certificate probe errors by type (connection, handshake, parse, timeout)",
			"database", "error_type"),
	}
	return r
}

// Gatherer exposes the underlying registry for HTTP exposition, without
// leaking the ability to register further metrics.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func mustRegister(reg *prometheus.Registry, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		panic(err)
	}
}

func newGaugeVec(reg *prometheus.Registry, name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	mustRegister(reg, v)
	return v
}

func newCounterVec(reg *prometheus.Registry, name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	mustRegister(reg, v)
	return v
}

func newCounter(reg *prometheus.Registry, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	mustRegister(reg, c)
	return c
}

func newHistogramVec(reg *prometheus.Registry, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	mustRegister(reg, v)
	return v
}
