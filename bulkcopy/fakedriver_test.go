package bulkcopy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// fakeState is the shared, per-DSN backing store for a fake SQL Server
// connection: every statement it was asked to execute, the bound args of
// each INSERT, and an optional scripted failure on a given INSERT call.
// Registering one *fakeState per test under a unique DSN keeps concurrent
// tests from seeing each other's calls.
type fakeState struct {
	mu sync.Mutex

	statements []string
	insertArgs [][]driver.Value

	insertCalls      int
	failOnInsertCall int // 1-based; 0 means never fail
	failErr          error
}

func (s *fakeState) record(query string, args []driver.NamedValue) (driver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statements = append(s.statements, query)

	if !strings.HasPrefix(query, "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}

	s.insertCalls++
	if s.failOnInsertCall != 0 && s.insertCalls == s.failOnInsertCall {
		return nil, s.failErr
	}

	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	s.insertArgs = append(s.insertArgs, vals)
	return driver.RowsAffected(int64(len(vals))), nil
}

var (
	fakeRegistryMu sync.Mutex
	fakeRegistry   = map[string]*fakeState{}
	fakeDriverOnce sync.Once
)

// newFakeDB opens a *sql.DB backed by an in-memory fake driver, isolated
// from every other test by dsn. The returned *fakeState lets a test inspect
// what Copy sent and script a failure on a specific INSERT call.
func newFakeDB(dsn string) (*sql.DB, *fakeState) {
	fakeDriverOnce.Do(func() {
		sql.Register("tds-fake", fakeDriver{})
	})

	st := &fakeState{}
	fakeRegistryMu.Lock()
	fakeRegistry[dsn] = st
	fakeRegistryMu.Unlock()

	db, err := sql.Open("tds-fake", dsn)
	if err != nil {
		panic(fmt.Sprintf("fakedriver: sql.Open: %v", err))
	}
	return db, st
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	fakeRegistryMu.Lock()
	st, ok := fakeRegistry[dsn]
	fakeRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakedriver: no state registered for dsn %q", dsn)
	}
	return &fakeConn{state: st}, nil
}

// fakeConn implements just enough of driver.Conn (plus the ExecerContext
// extension database/sql prefers) to drive BulkBatchDriver.Copy's
// ExecContext calls without a real server.
type fakeConn struct {
	state *fakeState
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("fakedriver: Prepare not supported, expected ExecerContext path")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedriver: transactions not supported")
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.state.record(query, args)
}
