package querylog

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/plugmon/kit"
)

var slowThreshold atomic.Int64

func init() {
	slowThreshold.Store(int64(100 * time.Millisecond))
}

// Driver wraps the sqlite driver so every prepared statement reports to the
// window found in its context.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

// conn hides the wrapped connection's ExecerContext/QueryerContext so that
// database/sql goes through Prepare and every statement passes stmt.record.
type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	st, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	st, err := pc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var res driver.Result
	var err error
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	s.record(ctx, "exec", args, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var rows driver.Rows
	var err error
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	s.record(ctx, "query", args, time.Since(start), err)
	return rows, err
}

func (s *stmt) record(ctx context.Context, op string, args []driver.NamedValue, d time.Duration, err error) {
	if strings.HasPrefix(s.query, "PRAGMA ") && err == nil {
		return
	}
	if w := windowFrom(ctx); w != nil {
		w.add(s.query, textArgs(args))
	}

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	} else if d > time.Duration(slowThreshold.Load()) {
		level = slog.LevelWarn
	}
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", s.query),
		slog.Duration("duration", d),
	}
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, level, "querylog: statement", attrs...)
}

// textArgs keeps the string and []byte arguments, the only ones that can
// carry a module identifier.
func textArgs(named []driver.NamedValue) []string {
	var out []string
	for _, nv := range named {
		switch v := nv.Value.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
