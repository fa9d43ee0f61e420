package bulkcopy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nimbusdb/tds-go/pool"
	"github.com/nimbusdb/tds-go/tds"
)

// failingAcquirer never hands out a connection; used to prove that
// validation happens before any pool interaction.
type failingAcquirer struct {
	acquireCalled bool
}

func (f *failingAcquirer) Acquire(ctx context.Context, targetID string) (*pool.PooledConn, error) {
	f.acquireCalled = true
	return nil, errors.New("acquire should not have been called")
}
func (f *failingAcquirer) Release(conn *pool.PooledConn) {}
func (f *failingAcquirer) Discard(conn *pool.PooledConn) {}

// fakeAcquirer hands out a single PooledConn wrapping a fake driver
// connection, and records whether Copy released or discarded it.
type fakeAcquirer struct {
	conn *pool.PooledConn

	released  bool
	discarded *pool.PooledConn
}

func newFakeAcquirer(t *testing.T, targetID string) (*fakeAcquirer, *fakeState) {
	t.Helper()
	db, st := newFakeDB(fmt.Sprintf("fakedriver-%s", t.Name()))
	conn := pool.NewPooledConnForTest(db, targetID)
	return &fakeAcquirer{conn: conn}, st
}

func (f *fakeAcquirer) Acquire(ctx context.Context, targetID string) (*pool.PooledConn, error) {
	return f.conn, nil
}
func (f *fakeAcquirer) Release(conn *pool.PooledConn) { f.released = true }
func (f *fakeAcquirer) Discard(conn *pool.PooledConn) { f.discarded = conn }

func TestCopyColumnCountMismatchBeforeAnyIO(t *testing.T) {
	acq := &failingAcquirer{}
	d := NewBulkBatchDriver(acq, "t1")

	rows := [][]any{
		{1, "a"},
		{2, "b", "extra"},
	}
	opts := Options{Table: "dbo.widgets", Columns: []string{"id", "name"}, BatchSize: 10}

	_, err := d.Copy(context.Background(), rows, opts, nil)
	if err == nil {
		t.Fatal("expected ColumnCountMismatch, got nil")
	}

	var mismatch *tds.ColumnCountMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *tds.ColumnCountMismatch, got %T: %v", err, err)
	}
	if mismatch.RowIndex != 1 || mismatch.Got != 3 || mismatch.Want != 2 {
		t.Fatalf("unexpected mismatch fields: %+v", mismatch)
	}

	if acq.acquireCalled {
		t.Fatal("Acquire was called before validation completed")
	}
}

func TestBuildInsertRendersPositionalParams(t *testing.T) {
	batch := [][]any{
		{1, "alice"},
		{2, "bob"},
	}
	stmt, args := buildInsert("dbo.widgets", []string{"id", "name"}, batch)

	want := "INSERT INTO dbo.widgets (id, name) VALUES (@p1, @p2), (@p3, @p4)"
	if stmt != want {
		t.Fatalf("buildInsert stmt = %q, want %q", stmt, want)
	}
	if len(args) != 4 || args[0] != 1 || args[1] != "alice" || args[2] != 2 || args[3] != "bob" {
		t.Fatalf("buildInsert args = %v", args)
	}
}

func TestBuildInsertNormalizesDecimalValues(t *testing.T) {
	price := decimal.NewFromFloat(19.99)
	batch := [][]any{{price}}

	_, args := buildInsert("dbo.prices", []string{"amount"}, batch)
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}
	if args[0] != "19.99" {
		t.Fatalf("normalizeValue(decimal) = %v, want string 19.99", args[0])
	}
}

func TestChunkRowsCeilingDivision(t *testing.T) {
	cases := []struct {
		rows, batchSize, wantBatches int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 5, 1},
		{0, 5, 0},
	}

	for _, tc := range cases {
		rows := make([][]any, tc.rows)
		for i := range rows {
			rows[i] = []any{i}
		}
		batches := chunkRows(rows, tc.batchSize)
		if len(batches) != tc.wantBatches {
			t.Errorf("chunkRows(%d rows, batch=%d) = %d batches, want %d",
				tc.rows, tc.batchSize, len(batches), tc.wantBatches)
		}

		total := 0
		for _, b := range batches {
			total += len(b)
		}
		if total != tc.rows {
			t.Errorf("chunkRows(%d, %d) total rows = %d, want %d", tc.rows, tc.batchSize, total, tc.rows)
		}
	}
}

func TestToExecutionErrorWrapsConnectionLoss(t *testing.T) {
	err := toExecutionError(2, errors.New("driver: bad connection"))

	var execErr *tds.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *tds.ExecutionError, got %T", err)
	}
	if execErr.BatchIndex != 2 {
		t.Fatalf("BatchIndex = %d, want 2", execErr.BatchIndex)
	}

	var lost *tds.ConnectionLost
	if !errors.As(err, &lost) {
		t.Fatal("expected the chain to unwrap to *tds.ConnectionLost")
	}
}

func TestToExecutionErrorPassesThroughServerErrors(t *testing.T) {
	err := toExecutionError(0, errors.New("CHECK constraint violated"))

	var execErr *tds.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *tds.ExecutionError, got %T", err)
	}

	var lost *tds.ConnectionLost
	if errors.As(err, &lost) {
		t.Fatal("a plain server error must not be classified as ConnectionLost")
	}
}

func makeRows(n, cols int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		row := make([]any, cols)
		for c := range row {
			row[c] = fmt.Sprintf("r%d-c%d", i, c)
		}
		rows[i] = row
	}
	return rows
}

func TestCopyBatchesExecutedIsCeilingDivision(t *testing.T) {
	cases := []struct {
		rows, batchSize, wantBatches int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 5, 1},
	}

	for _, tc := range cases {
		acq, st := newFakeAcquirer(t, "t1")
		d := NewBulkBatchDriver(acq, "t1")

		opts := Options{Table: "dbo.widgets", Columns: []string{"id", "name"}, BatchSize: tc.batchSize}
		summary, err := d.Copy(context.Background(), makeRows(tc.rows, 2), opts, nil)
		if err != nil {
			t.Fatalf("rows=%d batch=%d: Copy: %v", tc.rows, tc.batchSize, err)
		}
		if summary.BatchesExecuted != tc.wantBatches {
			t.Fatalf("rows=%d batch=%d: BatchesExecuted = %d, want %d",
				tc.rows, tc.batchSize, summary.BatchesExecuted, tc.wantBatches)
		}
		if summary.TotalRows != tc.rows {
			t.Fatalf("rows=%d batch=%d: TotalRows = %d, want %d",
				tc.rows, tc.batchSize, summary.TotalRows, tc.rows)
		}
		if len(st.insertArgs) != tc.wantBatches {
			t.Fatalf("rows=%d batch=%d: fake driver saw %d INSERTs, want %d",
				tc.rows, tc.batchSize, len(st.insertArgs), tc.wantBatches)
		}
		if !acq.released {
			t.Fatalf("rows=%d batch=%d: connection was not released on success", tc.rows, tc.batchSize)
		}
	}
}

func TestCopyHookFailureStopsWithPartialDurability(t *testing.T) {
	acq, st := newFakeAcquirer(t, "t1")
	d := NewBulkBatchDriver(acq, "t1")

	opts := Options{Table: "dbo.widgets", Columns: []string{"id"}, BatchSize: 3}

	var hookCalls []int
	hookErr := errors.New("downstream hook failed")
	hook := func(_ *sql.Conn, batchIndex int) error {
		hookCalls = append(hookCalls, batchIndex)
		if batchIndex == 0 {
			return hookErr
		}
		return nil
	}

	summary, err := d.Copy(context.Background(), makeRows(10, 1), opts, hook)
	if err == nil {
		t.Fatal("expected Copy to fail when the hook fails")
	}

	var execErr *tds.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *tds.ExecutionError, got %T: %v", err, err)
	}
	if execErr.BatchIndex != 0 {
		t.Fatalf("BatchIndex = %d, want 0", execErr.BatchIndex)
	}

	// The first batch committed before the hook ran and failed — it stays
	// durable. No later batch was attempted.
	if summary.BatchesExecuted != 1 || summary.TotalRows != 3 {
		t.Fatalf("summary = %+v, want BatchesExecuted=1 TotalRows=3", summary)
	}
	if len(st.insertArgs) != 1 {
		t.Fatalf("fake driver saw %d INSERTs, want 1 (no batch after the failing hook)", len(st.insertArgs))
	}
	if len(hookCalls) != 1 {
		t.Fatalf("hook called %d times, want 1 (it must not run again after failing)", len(hookCalls))
	}
	if acq.discarded == nil {
		t.Fatal("connection should have been discarded after a hook failure")
	}
}

func TestCopyMidBatchFailureLeavesPriorBatchesDurable(t *testing.T) {
	acq, st := newFakeAcquirer(t, "t1")
	st.failOnInsertCall = 3 // fail the third INSERT — batch index 2
	st.failErr = errors.New("CHECK constraint violated")

	d := NewBulkBatchDriver(acq, "t1")
	opts := Options{Table: "dbo.widgets", Columns: []string{"id"}, BatchSize: 2}

	summary, err := d.Copy(context.Background(), makeRows(10, 1), opts, nil)
	if err == nil {
		t.Fatal("expected Copy to fail on the third batch")
	}

	var execErr *tds.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *tds.ExecutionError, got %T: %v", err, err)
	}
	if execErr.BatchIndex != 2 {
		t.Fatalf("BatchIndex = %d, want 2", execErr.BatchIndex)
	}
	// Batches 0 and 1 (2 rows each) committed before batch 2 failed.
	if summary.BatchesExecuted != 2 || summary.TotalRows != 4 {
		t.Fatalf("summary = %+v, want BatchesExecuted=2 TotalRows=4", summary)
	}
	if len(st.insertArgs) != 2 {
		t.Fatalf("fake driver recorded %d successful INSERTs, want 2", len(st.insertArgs))
	}
}

func TestCopyIdentityInsertTogglesOnThenOff(t *testing.T) {
	acq, st := newFakeAcquirer(t, "t1")
	d := NewBulkBatchDriver(acq, "t1")

	opts := Options{
		Table:          "dbo.widgets",
		Columns:        []string{"id"},
		BatchSize:      5,
		IdentityInsert: true,
	}

	summary, err := d.Copy(context.Background(), makeRows(5, 1), opts, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !summary.IdentityInsert {
		t.Fatal("Summary.IdentityInsert = false, want true")
	}

	st.mu.Lock()
	stmts := append([]string(nil), st.statements...)
	st.mu.Unlock()

	if len(stmts) < 3 {
		t.Fatalf("expected at least ON, INSERT, OFF statements, got %v", stmts)
	}
	if stmts[0] != "SET IDENTITY_INSERT dbo.widgets ON" {
		t.Fatalf("first statement = %q, want IDENTITY_INSERT ON", stmts[0])
	}
	last := stmts[len(stmts)-1]
	if last != "SET IDENTITY_INSERT dbo.widgets OFF" {
		t.Fatalf("last statement = %q, want IDENTITY_INSERT OFF", last)
	}
}
