package execute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestExecuteReturnsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT gender, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"gender", "count"}).
			AddRow([]byte("F"), 512).
			AddRow([]byte("M"), 488))
	mock.ExpectCommit()

	engine := NewEngine(db, time.Second)
	result, err := engine.Execute(context.Background(), "SELECT gender, COUNT(*) FROM patients GROUP BY gender LIMIT 100", 100)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if result.RowCount != 2 || result.Truncated {
		t.Errorf("RowCount = %d, Truncated = %v", result.RowCount, result.Truncated)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "gender" {
		t.Errorf("columns = %v", result.Columns)
	}
	// Byte slices become strings so results marshal as text, not base64.
	if result.Rows[0][0] != "F" {
		t.Errorf("row value = %#v, want \"F\"", result.Rows[0][0])
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExecuteTruncatesAtRowCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < 5; i++ {
		rows.AddRow(i)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id").WillReturnRows(rows)
	mock.ExpectCommit()

	engine := NewEngine(db, time.Second)
	result, err := engine.Execute(context.Background(), "SELECT id FROM patients", 3)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if result.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", result.RowCount)
	}
	if !result.Truncated {
		t.Error("expected Truncated")
	}
}

func TestExecuteMapsDeadlineToTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	engine := NewEngine(db, time.Second)
	_, err = engine.Execute(context.Background(), "SELECT id FROM patients", 100)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestExecuteQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	engine := NewEngine(db, time.Second)
	_, err = engine.Execute(context.Background(), "SELECT id FROM patients", 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("plain failure must not map to ErrTimeout")
	}
}

func TestExecuteEmptyResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	engine := NewEngine(db, time.Second)
	result, err := engine.Execute(context.Background(), "SELECT id FROM patients WHERE 1=0", 100)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.RowCount != 0 || result.Truncated {
		t.Errorf("RowCount = %d, Truncated = %v", result.RowCount, result.Truncated)
	}
	if result.Rows == nil {
		t.Error("Rows must be an empty slice, not nil")
	}
}
