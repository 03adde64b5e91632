package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/metrics"
)

func TestWriteProbe(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO dbpulse_rw").
		WithArgs(int32(7), int64(123), "uuid-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := metrics.New()
	p := Postgres{}
	in := dialect.IterationInput{ID: 7, T1: 123, UUID: "uuid-1"}

	if err := p.writeProbe(context.Background(), db, in, m); err != nil {
		t.Fatalf("writeProbe: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteProbe_WrongRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO dbpulse_rw").
		WillReturnResult(sqlmock.NewResult(1, 0))

	m := metrics.New()
	p := Postgres{}
	if err := p.writeProbe(context.Background(), db, dialect.IterationInput{ID: 1}, m); err == nil {
		t.Fatal("expected error for zero rows affected")
	}
}

func TestReadProbe_Mismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT uuid FROM dbpulse_rw").
		WithArgs(int32(1)).
		WillReturnRows(sqlmock.NewRows([]string{"uuid"}).AddRow("other-uuid"))

	m := metrics.New()
	p := Postgres{}
	in := dialect.IterationInput{ID: 1, UUID: "expected-uuid"}
	if err := p.readProbe(context.Background(), db, in, m); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestReadProbe_NoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT uuid FROM dbpulse_rw").
		WithArgs(int32(1)).
		WillReturnRows(sqlmock.NewRows([]string{"uuid"}))

	m := metrics.New()
	p := Postgres{}
	if err := p.readProbe(context.Background(), db, dialect.IterationInput{ID: 1}, m); err == nil {
		t.Fatal("expected error for missing row")
	}
}

func TestIsReadOnly_InRecovery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT pg_is_in_recovery").
		WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(true))

	p := Postgres{}
	ro, err := p.isReadOnly(context.Background(), db)
	if err != nil {
		t.Fatalf("isReadOnly: %v", err)
	}
	if !ro {
		t.Fatal("expected read-only")
	}
}

func TestDropIfSmall_SkipsOutsideWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	// No expectations set: dropIfSmall must not issue any query when the
	// minute/id gate isn't satisfied.
	m := metrics.New()
	p := Postgres{}
	in := dialect.IterationInput{ID: 42, Now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	p.dropIfSmall(context.Background(), db, in, m)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query issued: %v", err)
	}
}
