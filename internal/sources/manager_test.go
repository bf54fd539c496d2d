// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sources_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// fakeDriver is an in-process database/sql driver. A DSN whose host contains
// "unreachable" refuses connections; everything else answers queries with a
// single-row, single-column result.
type fakeDriver struct {
	mu      sync.Mutex
	queries []string
}

func (d *fakeDriver) record(q string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, q)
}

func (d *fakeDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	if strings.Contains(dsn, "unreachable") {
		return nil, errors.New("connection refused")
	}
	return &fakeConn{d: d}, nil
}

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{d: c.d, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("transactions not supported") }

type fakeStmt struct {
	d     *fakeDriver
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.d.record(s.query)
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.d.record(s.query)
	return &fakeRows{}, nil
}

type fakeRows struct{ done bool }

func (r *fakeRows) Columns() []string { return []string{"ONE"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

var (
	registerOnce sync.Once
	testDriver   = &fakeDriver{}
)

func newTestManager() (*sources.Manager, *fakeDriver) {
	registerOnce.Do(func() {
		sql.Register("fakedb2i", testDriver)
	})
	open := func(driverName, dsn string) (*sql.DB, error) {
		return sql.Open("fakedb2i", dsn)
	}
	return sources.NewManager(open), testDriver
}

func TestExecuteUnregisteredSource(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Execute(context.Background(), "nope", "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered source")
	}
	if got := util.KindOf(err); got != util.KindNotInitialized {
		t.Errorf("kind: got %q, want %q", got, util.KindNotInitialized)
	}
}

func TestExecuteQuery(t *testing.T) {
	m, d := newTestManager()
	defer m.CloseAll()
	m.Register("local", sources.Config{Host: "example", User: "u", Password: "p"})

	rs, err := m.Execute(context.Background(), "local", "SELECT ONE FROM SYSIBM.SYSDUMMY1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rs.Rows))
	}
	if got := rs.Rows[0]["ONE"]; got != int64(1) {
		t.Errorf("row value: got %v, want 1", got)
	}
	if len(rs.Columns) != 1 || rs.Columns[0].Name != "ONE" {
		t.Errorf("columns: got %v", rs.Columns)
	}

	found := false
	for _, q := range d.recorded() {
		if q == "SELECT ONE FROM SYSIBM.SYSDUMMY1" {
			found = true
		}
	}
	if !found {
		t.Error("query never reached the driver")
	}
}

func TestExecuteWrite(t *testing.T) {
	m, _ := newTestManager()
	defer m.CloseAll()
	m.Register("local", sources.Config{Host: "example", User: "u", Password: "p"})

	rs, err := m.Execute(context.Background(), "local", "DELETE FROM ORDERS WHERE ID = ?", []any{int64(9)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rs.AffectedRows != 1 {
		t.Errorf("affected: got %d, want 1", rs.AffectedRows)
	}
}

func TestSingleFlightInit(t *testing.T) {
	registerOnce.Do(func() {
		sql.Register("fakedb2i", testDriver)
	})
	var opens int32
	open := func(driverName, dsn string) (*sql.DB, error) {
		atomic.AddInt32(&opens, 1)
		return sql.Open("fakedb2i", dsn)
	}
	m := sources.NewManager(open)
	defer m.CloseAll()
	m.Register("local", sources.Config{Host: "example", User: "u", Password: "p"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Execute(context.Background(), "local", "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&opens); n != 1 {
		t.Errorf("pool opened %d times, want 1", n)
	}
}

func TestHealthLifecycle(t *testing.T) {
	m, _ := newTestManager()
	defer m.CloseAll()
	m.Register("good", sources.Config{Host: "example", User: "u", Password: "p"})
	m.Register("bad", sources.Config{Host: "unreachable", User: "u", Password: "p"})

	if h := m.HealthCheck(context.Background(), "good"); h.Status != sources.StatusHealthy {
		t.Errorf("good: got %q, want %q", h.Status, sources.StatusHealthy)
	}

	h := m.HealthCheck(context.Background(), "bad")
	if h.Status != sources.StatusUnhealthy {
		t.Errorf("bad: got %q, want %q", h.Status, sources.StatusUnhealthy)
	}
	if h.LastError == "" {
		t.Error("bad: expected a recorded error")
	}
	if h.LastCheck.IsZero() {
		t.Error("bad: expected a recorded check time")
	}
}

func TestCloseReconnects(t *testing.T) {
	m, _ := newTestManager()
	defer m.CloseAll()
	m.Register("local", sources.Config{Host: "example", User: "u", Password: "p"})

	if _, err := m.Execute(context.Background(), "local", "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := m.Close("local"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Registration survives a close, so the next execute reconnects.
	if _, err := m.Execute(context.Background(), "local", "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil); err != nil {
		t.Fatalf("Execute after close: %v", err)
	}
}
