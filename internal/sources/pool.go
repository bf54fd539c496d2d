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
package sources

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/ibmdb/go_ibm_db"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// DriverName is the database/sql driver the pools open.
const DriverName = "go_ibm_db"

// Pool sizing defaults for configuration-declared sources. Authenticated
// sessions request their own sizes.
const (
	DefaultStartingSize = 2
	DefaultMaxSize      = 10
)

const connectMaxTries = 3

// OpenFunc opens a database handle. Tests swap it for a fake driver.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// PoolOptions size a pool. StartingSize maps to the idle connection floor,
// MaxSize to the open connection ceiling.
type PoolOptions struct {
	StartingSize int
	MaxSize      int
}

// Pool wraps one database handle bound to a source configuration.
type Pool struct {
	db  *sql.DB
	cfg Config
}

// NewPool connects to the endpoint described by cfg, retrying transient
// failures with exponential backoff. When cfg requires TLS verification the
// server certificate is captured first and handed to the driver.
func NewPool(ctx context.Context, cfg Config, opts PoolOptions, open OpenFunc) (*Pool, error) {
	if open == nil {
		open = sql.Open
	}
	if opts.StartingSize <= 0 {
		opts.StartingSize = DefaultStartingSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}

	certPath := ""
	if cfg.VerifyTLS() {
		p, err := FetchServerCertificate(ctx, cfg.Host, cfg.EffectivePort())
		if err != nil {
			return nil, util.DatabaseError("unable to capture server certificate", err)
		}
		certPath = p
	}

	connect := func() (*sql.DB, error) {
		db, err := open(DriverName, cfg.DSN(certPath))
		if err != nil {
			return nil, err
		}
		db.SetMaxIdleConns(opts.StartingSize)
		db.SetMaxOpenConns(opts.MaxSize)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectMaxTries),
	)
	if err != nil {
		return nil, util.DatabaseError("unable to connect to "+cfg.Host, err)
	}
	return &Pool{db: db, cfg: cfg}, nil
}

// Execute runs one statement with ordered bind values. Read statements
// stream their rows into the RowSet; everything else reports affected rows.
func (p *Pool) Execute(ctx context.Context, statement string, values []any) (*RowSet, error) {
	if isReadStatement(statement) {
		return p.query(ctx, statement, values)
	}
	res, err := p.db.ExecContext(ctx, statement, values...)
	if err != nil {
		return nil, util.DatabaseError("statement execution failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &RowSet{AffectedRows: affected}, nil
}

func (p *Pool) query(ctx context.Context, statement string, values []any) (*RowSet, error) {
	rows, err := p.db.QueryContext(ctx, statement, values...)
	if err != nil {
		return nil, util.DatabaseError("query execution failed", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, util.DatabaseError("unable to describe result columns", err)
	}
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n}
	}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, t := range types {
			if i < len(cols) {
				cols[i].Type = t.DatabaseTypeName()
			}
		}
	}

	rs := &RowSet{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, util.DatabaseError("unable to scan row", err)
		}
		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = normalizeValue(raw[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, util.DatabaseError("result iteration failed", err)
	}
	return rs, nil
}

// Ping verifies the pool is still usable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close drains the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// isReadStatement decides between QueryContext and ExecContext from the
// leading keyword.
func isReadStatement(statement string) bool {
	s := strings.TrimSpace(statement)
	for i, r := range s {
		if !(r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			s = s[:i]
			break
		}
	}
	switch strings.ToUpper(s) {
	case "SELECT", "WITH", "VALUES", "SHOW":
		return true
	}
	return false
}

// normalizeValue converts driver byte slices and times into JSON-friendly
// values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
