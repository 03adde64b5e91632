// Package dialect defines the capability set every supported database
// backend implements: connect, create the monitoring table, write and
// read back a probe row, exercise a rollback, clean up stale rows, and
// report a bundle of best-effort metadata. dialect/postgres and
// dialect/mysql provide the two concrete variants.
package dialect

import (
	"context"
	"errors"
	"time"

	"github.com/nbari/dbpulse/dsn"
	"github.com/nbari/dbpulse/metrics"
)

// ErrReadOnly is returned by Probe when the server reports read_only=1:
// the write step is mandatory, so a replica target is an unhealthy
// iteration, not a degraded-but-ok one.
var ErrReadOnly = errors.New("server is read-only: write step rejected")

// IterationInput is the scratch state chosen once per iteration by the
// caller (the probe engine) and threaded through every capability call.
type IterationInput struct {
	ID         int32  // probe row id, random in [0, range)
	RollbackID int32  // distinct id used only by the rollback test
	UUID       string // freshly generated per write
	T1         int64  // monotonic/epoch marker written at insert/update time
	Now        time.Time
}

// Dialect is the common contract both backends satisfy. Probe executes
// the full per-iteration state machine: connect, apply session timeouts,
// read-only check plus version/uptime/host metadata, ensure
// database/table, write, read back, rollback test, the remaining
// best-effort metadata, cleanup, drop-if-small, close — in that order.
// The read-only check and the first metadata queries therefore run
// before the write, not after the rollback test; a read-only server
// ends the iteration there with ErrReadOnly. Probe aborts on the first
// failure in the mandatory sequence (everything up to and including the
// rollback test) and continues past failures in metadata/cleanup/
// drop-if-small.
type Dialect interface {
	// Name is the dialect label used on every metric ("postgres" or
	// "mysql").
	Name() string

	// Probe runs one full iteration against cfg and records every
	// operation's outcome into m. A non-nil error means the mandatory
	// sequence failed; the iteration is unhealthy.
	Probe(ctx context.Context, cfg *dsn.Config, in IterationInput, m *metrics.Registry) error
}

// TableName is the single table the probe owns in the target database.
const TableName = "dbpulse_rw"

// operation label values recorded against dbpulse_operation_duration_seconds.
const (
	OpConnect         = "connect"
	OpCreateTable     = "create_table"
	OpInsert          = "insert"
	OpSelect          = "select"
	OpTransactionTest = "transaction_test"
	OpCleanup         = "cleanup"
)

// rows_affected operation label values.
const (
	RowOpInsert = "insert"
	RowOpUpdate = "update"
	RowOpDelete = "delete"
)
