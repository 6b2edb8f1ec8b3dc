// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlproxy is the built-in connector for SQL databases, backed by
// database/sql with the pure-Go sqlite driver. Its dispatch surface
// mirrors the cursor protocol controllers expect: cursor, execute,
// fetchall, fetchone, rowcount.
package sqlproxy

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// ConnectionType is this connector's registry discriminator.
const ConnectionType = "sqlite"

func init() {
	proxy.Register(ConnectionType, NewFromCredentials)
}

// Client is a SQL connector instance bound to one database.
type Client struct {
	proxy.Base
	db *sql.DB
}

var _ proxy.Client = (*Client)(nil)

// NewFromCredentials builds a client from resolved credentials. Expected
// connect_args: database (file path, or ":memory:").
func NewFromCredentials(ctx context.Context, credentials map[string]any) (proxy.Client, error) {
	connectArgs, _ := credentials["connect_args"].(map[string]any)

	database, _ := connectArgs["database"].(string)
	if database == "" {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.database",
			Reason: "required for sqlite connections",
		}
	}

	db, err := sql.Open("sqlite", database)
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.database",
			Reason: "opening database",
			Cause:  err,
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.database",
			Reason: "connecting to database",
			Cause:  err,
		}
	}

	return &Client{db: db}, nil
}

// Attrs implements proxy.Dispatchable.
func (c *Client) Attrs() proxy.AttrTable {
	return proxy.AttrTable{
		"cursor": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return &Cursor{db: c.db, rowcount: -1}, nil
		}},
		"execute": {Invoke: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			cursor := &Cursor{db: c.db, rowcount: -1}
			return cursor.execute(ctx, args)
		}},
	}
}

// ProcessResult implements proxy.Client. A cursor left as the final
// result canonicalizes to its remaining rows; everything else passes
// through.
func (c *Client) ProcessResult(v any) (any, error) {
	if cursor, ok := v.(*Cursor); ok {
		return cursor.fetchRemaining(), nil
	}
	return v, nil
}

// ErrorType implements proxy.Client.
func (c *Client) ErrorType(err error) string {
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) && execErr.Kind != "" {
		return execErr.Kind
	}
	return ""
}

// Close implements proxy.Client.
func (c *Client) Close() error {
	return c.db.Close()
}

// Cursor is the dispatchable statement handle. Rows materialize eagerly
// on execute so the database connection never outlives the call.
type Cursor struct {
	db       *sql.DB
	columns  []string
	rows     [][]any
	position int
	rowcount int64
	closed   bool
}

var _ proxy.Dispatchable = (*Cursor)(nil)

// Attrs implements proxy.Dispatchable.
func (cur *Cursor) Attrs() proxy.AttrTable {
	return proxy.AttrTable{
		"execute": {Invoke: func(ctx context.Context, args []any, _ map[string]any) (any, error) {
			return cur.execute(ctx, args)
		}},
		"fetchall": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return asAnyRows(cur.fetchRemaining()), nil
		}},
		"fetchone": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			if cur.position >= len(cur.rows) {
				return nil, nil
			}
			row := cur.rows[cur.position]
			cur.position++
			return asAnyRow(row), nil
		}},
		"close": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			cur.closed = true
			cur.rows = nil
			return nil, nil
		}},
		"rowcount":    {Get: func() (any, error) { return cur.rowcount, nil }},
		"description": {Get: func() (any, error) { return cur.describe(), nil }},
	}
}

// execute runs one statement. Row-returning statements materialize their
// rows; DML statements record affected-row counts. Returns the cursor so
// chained dispatch reads naturally.
func (cur *Cursor) execute(ctx context.Context, args []any) (any, error) {
	if cur.closed {
		return nil, &errors.ExecutionError{
			Kind:    "ProgrammingError",
			Message: "cursor is closed",
		}
	}
	if len(args) == 0 {
		return nil, &errors.RequestError{Field: "args", Message: "execute needs a statement"}
	}
	stmt, ok := args[0].(string)
	if !ok {
		return nil, &errors.RequestError{Field: "args", Message: "statement must be a string"}
	}
	params := args[1:]

	cur.columns = nil
	cur.rows = nil
	cur.position = 0
	cur.rowcount = -1

	if returnsRows(stmt) {
		rows, err := cur.db.QueryContext(ctx, stmt, params...)
		if err != nil {
			return nil, driverError(err)
		}
		defer rows.Close()
		if err := cur.materialize(rows); err != nil {
			return nil, err
		}
		return cur, nil
	}

	result, err := cur.db.ExecContext(ctx, stmt, params...)
	if err != nil {
		return nil, driverError(err)
	}
	if affected, err := result.RowsAffected(); err == nil {
		cur.rowcount = affected
	}
	return cur, nil
}

func (cur *Cursor) materialize(rows *sql.Rows) error {
	columns, err := rows.Columns()
	if err != nil {
		return driverError(err)
	}
	cur.columns = columns

	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return driverError(err)
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}
		cur.rows = append(cur.rows, values)
	}
	if err := rows.Err(); err != nil {
		return driverError(err)
	}

	cur.rowcount = int64(len(cur.rows))
	return nil
}

// fetchRemaining drains the unread rows.
func (cur *Cursor) fetchRemaining() [][]any {
	remaining := cur.rows[cur.position:]
	cur.position = len(cur.rows)
	return remaining
}

func (cur *Cursor) describe() any {
	if cur.columns == nil {
		return nil
	}
	described := make([]any, len(cur.columns))
	for i, name := range cur.columns {
		described[i] = name
	}
	return described
}

// returnsRows reports whether a statement produces a result set.
func returnsRows(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES":
		return true
	default:
		return false
	}
}

// driverError classifies a driver failure the way DBAPI callers expect.
func driverError(err error) error {
	msg := err.Error()
	kind := "OperationalError"
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "constraint"):
		kind = "IntegrityError"
	case strings.Contains(lower, "syntax error"), strings.Contains(lower, "no such table"),
		strings.Contains(lower, "no such column"):
		kind = "ProgrammingError"
	}
	return &errors.ExecutionError{Kind: kind, Message: msg, Cause: err}
}

// asAnyRows converts materialized rows for envelope serialization.
func asAnyRows(rows [][]any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = asAnyRow(row)
	}
	return out
}

func asAnyRow(row []any) []any {
	out := make([]any, len(row))
	copy(out, row)
	return out
}
