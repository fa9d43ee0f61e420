// Package bulkcopy drives bounded-batch row insertion into a single
// SQL Server table. It holds one pooled connection for the whole
// operation and commits batches independently: a failing batch never
// rolls back the ones that already succeeded, and none are retried.
package bulkcopy

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbusdb/tds-go/internal/metrics"
	"github.com/nimbusdb/tds-go/pool"
	"github.com/nimbusdb/tds-go/tds"
)

// Options configures a Copy operation.
type Options struct {
	Table          string
	Columns        []string
	BatchSize      int
	IdentityInsert bool

	// StatementTimeout bounds a single batch's ExecContext. Zero means no
	// per-statement deadline beyond ctx's own. This is distinct from the
	// pool's stuck-connection watchdog (pool/health.go), which guards
	// against a caller that never returns at all; StatementTimeout is the
	// driver's own best-effort bound on a batch that is still running.
	StatementTimeout time.Duration
}

// Summary reports the outcome of a completed (or partially completed)
// Copy operation.
type Summary struct {
	TotalRows       int
	BatchesExecuted int
	Duration        time.Duration
	IdentityInsert  bool
}

// AfterBatchHook is invoked after each batch commits successfully. Its
// error terminates the operation — subsequent batches are not attempted.
type AfterBatchHook func(conn *sql.Conn, batchIndex int) error

// Acquirer is the subset of pool.Manager a BulkBatchDriver needs. It
// exists so tests can substitute a fake pool without standing up a real
// target: a test Acquirer hands back a *pool.PooledConn built with
// pool.NewPooledConnForTest, wrapping a *sql.DB opened against a fake
// database/sql/driver.Driver, so Copy's batch execution runs against real
// ExecContext calls instead of stopping at the pre-I/O validation path.
type Acquirer interface {
	Acquire(ctx context.Context, targetID string) (*pool.PooledConn, error)
	Release(conn *pool.PooledConn)
	Discard(conn *pool.PooledConn)
}

// BulkBatchDriver drives bounded-batch row insertion against one
// target, using a single pooled connection for the duration of Copy.
type BulkBatchDriver struct {
	pool     Acquirer
	targetID string
}

// NewBulkBatchDriver creates a driver that acquires connections for
// targetID from pool.
func NewBulkBatchDriver(p Acquirer, targetID string) *BulkBatchDriver {
	return &BulkBatchDriver{pool: p, targetID: targetID}
}

// Copy validates rows against opts.Columns, acquires one connection for
// the whole operation, and inserts rows in batches of at most
// opts.BatchSize. A batch failure — including connection loss — stops
// the operation without retrying or rolling back prior batches.
func (d *BulkBatchDriver) Copy(ctx context.Context, rows [][]any, opts Options, hook AfterBatchHook) (Summary, error) {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}

	for i, row := range rows {
		if len(row) != len(opts.Columns) {
			return Summary{}, &tds.ColumnCountMismatch{RowIndex: i, Got: len(row), Want: len(opts.Columns)}
		}
	}

	start := time.Now()

	conn, err := d.pool.Acquire(ctx, d.targetID)
	if err != nil {
		return Summary{}, fmt.Errorf("bulkcopy: acquiring connection for target %s: %w", d.targetID, err)
	}

	sqlConn, err := conn.DB().Conn(ctx)
	if err != nil {
		d.pool.Discard(conn)
		return Summary{}, fmt.Errorf("bulkcopy: obtaining raw connection: %w", err)
	}
	defer sqlConn.Close()

	if opts.IdentityInsert {
		if err := d.setIdentityInsert(ctx, sqlConn, opts.Table, true); err != nil {
			d.pool.Discard(conn)
			return Summary{}, fmt.Errorf("bulkcopy: enabling identity insert on %s: %w", opts.Table, err)
		}
	}

	batchesExecuted := 0
	totalRows := 0

	for batchIndex, batch := range chunkRows(rows, opts.BatchSize) {
		batchStart := time.Now()
		if err := d.execBatch(ctx, sqlConn, opts, batch); err != nil {
			d.pool.Discard(conn)
			metrics.ConnectionErrors.WithLabelValues(d.targetID, "bulk_batch_failed").Inc()
			return Summary{
				TotalRows:       totalRows,
				BatchesExecuted: batchesExecuted,
				Duration:        time.Since(start),
				IdentityInsert:  opts.IdentityInsert,
			}, toExecutionError(batchIndex, err)
		}
		metrics.BatchDuration.WithLabelValues(d.targetID).Observe(time.Since(batchStart).Seconds())

		batchesExecuted++
		totalRows += len(batch)
		metrics.RowsCopiedTotal.WithLabelValues(d.targetID).Add(float64(len(batch)))

		if hook != nil {
			if err := hook(sqlConn, batchIndex); err != nil {
				d.pool.Discard(conn)
				return Summary{
					TotalRows:       totalRows,
					BatchesExecuted: batchesExecuted,
					Duration:        time.Since(start),
					IdentityInsert:  opts.IdentityInsert,
				}, toExecutionError(batchIndex, err)
			}
		}
	}

	if opts.IdentityInsert {
		if err := d.setIdentityInsert(ctx, sqlConn, opts.Table, false); err != nil {
			log.Printf("[bulkcopy] target %s — failed to restore identity_insert off on %s: %v",
				d.targetID, opts.Table, err)
		}
	}

	d.pool.Release(conn)

	duration := time.Since(start)

	return Summary{
		TotalRows:       totalRows,
		BatchesExecuted: batchesExecuted,
		Duration:        duration,
		IdentityInsert:  opts.IdentityInsert,
	}, nil
}

func (d *BulkBatchDriver) setIdentityInsert(ctx context.Context, conn *sql.Conn, table string, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s %s", table, state))
	return err
}

func (d *BulkBatchDriver) execBatch(ctx context.Context, conn *sql.Conn, opts Options, batch [][]any) error {
	stmt, args := buildInsert(opts.Table, opts.Columns, batch)

	if opts.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.StatementTimeout)
		defer cancel()
	}

	_, err := conn.ExecContext(ctx, stmt, args...)
	return err
}

// buildInsert renders a single multi-row INSERT statement for batch,
// using positional @pN parameters the way go-mssqldb expects.
func buildInsert(table string, columns []string, batch [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*len(columns))
	paramIdx := 1

	for rowIdx, row := range batch {
		if rowIdx > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for colIdx, v := range row {
			if colIdx > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("@p")
			sb.WriteString(strconv.Itoa(paramIdx))
			args = append(args, normalizeValue(v))
			paramIdx++
		}
		sb.WriteString(")")
	}

	return sb.String(), args
}

// normalizeValue converts a decimal.Decimal into the string form
// go-mssqldb accepts for DECIMAL/NUMERIC/MONEY columns, leaving every
// other value type untouched.
func normalizeValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return v
}

func chunkRows(rows [][]any, batchSize int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	batches := make([][][]any, 0, (len(rows)+batchSize-1)/batchSize)
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[i:end])
	}
	return batches
}

// toExecutionError normalizes a batch failure into *tds.ExecutionError,
// routing anything that looks like a dropped connection through
// ConnectionLost first so callers see a consistent message.
func toExecutionError(batchIndex int, err error) error {
	if isConnectionError(err) {
		return tds.AsExecutionError(batchIndex, &tds.ConnectionLost{BatchIndex: batchIndex, Err: err})
	}
	return &tds.ExecutionError{BatchIndex: batchIndex, Message: err.Error(), Err: err}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "driver: bad connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		err == sql.ErrConnDone
}
