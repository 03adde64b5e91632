package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersEveryMetric(t *testing.T) {
	r := New()

	r.Pulse.WithLabelValues("postgres").Set(1)
	r.IterationsTotal.WithLabelValues("postgres", "success").Inc()
	r.ErrorsTotal.WithLabelValues("postgres", "timeout").Inc()
	r.OperationDuration.WithLabelValues("postgres", "connect").Observe(0.01)
	r.PanicsRecoveredTotal.Inc()
	r.DatabaseHostInfo.WithLabelValues("postgres", "db-node-a").Set(1)
	r.ConnectionsActive.WithLabelValues("mysql").Set(2)

	// A labeled metric only shows up in Gather once it has at least one
	// label combination, so give every remaining one a child.
	r.Runtime.WithLabelValues("postgres").Observe(0.1)
	r.RuntimeLastMillis.WithLabelValues("postgres").Set(100)
	r.LastSuccessTimestamp.WithLabelValues("postgres").Set(1)
	r.ConnectionDuration.WithLabelValues("postgres").Observe(0.1)
	r.RowsAffectedTotal.WithLabelValues("postgres", "insert").Inc()
	r.TableSizeBytes.WithLabelValues("postgres", "dbpulse_rw").Set(1)
	r.TableRows.WithLabelValues("postgres", "dbpulse_rw").Set(1)
	r.DatabaseSizeBytes.WithLabelValues("postgres").Set(1)
	r.DatabaseReadonly.WithLabelValues("postgres").Set(0)
	r.DatabaseVersionInfo.WithLabelValues("postgres", "16.0").Set(1)
	r.DatabaseUptimeSeconds.WithLabelValues("postgres").Set(1)
	r.ReplicationLagSeconds.WithLabelValues("postgres").Observe(0)
	r.BlockingQueries.WithLabelValues("postgres").Set(0)
	r.TLSHandshakeDuration.WithLabelValues("postgres").Observe(0.01)
	r.TLSConnectionErrors.WithLabelValues("postgres", "handshake").Inc()
	r.TLSInfo.WithLabelValues("postgres", "TLSv1.3", "TLS_AES_128_GCM_SHA256").Set(1)
	r.TLSCertExpiryDays.WithLabelValues("postgres").Set(30)
	r.TLSCertProbeErrorsTotal.WithLabelValues("postgres", "timeout").Inc()

	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"dbpulse_pulse",
		"dbpulse_runtime",
		"dbpulse_runtime_last_milliseconds",
		"dbpulse_iterations_total",
		"dbpulse_last_success_timestamp_seconds",
		"dbpulse_operation_duration_seconds",
		"dbpulse_connection_duration_seconds",
		"dbpulse_connections_active",
		"dbpulse_rows_affected_total",
		"dbpulse_table_size_bytes",
		"dbpulse_table_rows",
		"dbpulse_database_size_bytes",
		"dbpulse_database_readonly",
		"dbpulse_database_version_info",
		"dbpulse_database_host_info",
		"dbpulse_database_uptime_seconds",
		"dbpulse_replication_lag_seconds",
		"dbpulse_blocking_queries",
		"dbpulse_errors_total",
		"dbpulse_panics_recovered_total",
		"dbpulse_tls_handshake_duration_seconds",
		"dbpulse_tls_connection_errors_total",
		"dbpulse_tls_info",
		"dbpulse_tls_cert_expiry_days",
		"dbpulse_tls_cert_probe_errors_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("metric %s was not registered", name)
		}
	}

	if got := testutil.ToFloat64(r.Pulse.WithLabelValues("postgres")); got != 1 {
		t.Errorf("pulse = %v, want 1", got)
	}
}

func TestNew_IncludesProcessCollectors(t *testing.T) {
	r := New()
	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "process_start_time_seconds" {
			return
		}
	}
	t.Error("expected process collector metrics to be present")
}
