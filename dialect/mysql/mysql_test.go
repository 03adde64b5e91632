package mysql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/metrics"
)

func TestWriteProbe_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO dbpulse_rw").
		WithArgs(int32(3), int64(42), "uuid-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := metrics.New()
	my := MySQL{}
	in := dialect.IterationInput{ID: 3, T1: 42, UUID: "uuid-1"}
	if err := my.writeProbe(context.Background(), db, in, m); err != nil {
		t.Fatalf("writeProbe: %v", err)
	}
}

func TestWriteProbe_ZeroRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO dbpulse_rw").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := metrics.New()
	my := MySQL{}
	if err := my.writeProbe(context.Background(), db, dialect.IterationInput{ID: 1}, m); err == nil {
		t.Fatal("expected error for zero rows affected")
	}
}

func TestIsReadOnly_IntegerForm(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT @@read_only").
		WillReturnRows(sqlmock.NewRows([]string{"@@read_only"}).AddRow(1))

	my := MySQL{}
	ro, err := my.isReadOnly(context.Background(), db)
	if err != nil {
		t.Fatalf("isReadOnly: %v", err)
	}
	if !ro {
		t.Fatal("expected read-only=true")
	}
}

func TestReadProbe_Mismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT uuid FROM dbpulse_rw").
		WithArgs(int32(5)).
		WillReturnRows(sqlmock.NewRows([]string{"uuid"}).AddRow("wrong"))

	m := metrics.New()
	my := MySQL{}
	in := dialect.IterationInput{ID: 5, UUID: "right"}
	if err := my.readProbe(context.Background(), db, in, m); err == nil {
		t.Fatal("expected mismatch error")
	}
}
