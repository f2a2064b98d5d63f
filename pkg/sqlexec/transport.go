// Package sqlexec provides a conn.Transport backed by database/sql. Each
// Transport pins a single physical connection so that work submitted through
// one queue shares one session on the server.
package sqlexec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// ErrNotOpen is returned by work methods called before Open or after Close.
var ErrNotOpen = errors.New("sqlexec: transport is not open")

// Transport runs statements on one pinned connection of a *sqlx.DB.
type Transport struct {
	db     *sqlx.DB
	ownsDB bool

	mu       sync.Mutex
	conn     *sqlx.Conn
	onLoss   func(error)
	lossOnce sync.Once
}

// Open creates a Transport for driverName and dsn. The database handle is
// owned by the Transport and closed with it.
func Open(driverName, dsn string) (*Transport, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
	}
	t := New(db)
	t.ownsDB = true
	return t, nil
}

// New wraps an existing handle. Closing the Transport releases its pinned
// connection but leaves db open.
func New(db *sqlx.DB) *Transport {
	return &Transport{db: db}
}

// Open pins a connection and verifies it with a ping. Calling Open on an
// open Transport is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	c, err := t.db.Connx(ctx)
	if err != nil {
		return err
	}
	if err := c.PingContext(ctx); err != nil {
		_ = c.Close()
		return err
	}
	t.conn = c
	return nil
}

// Close releases the pinned connection, and the database handle if owned.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	var errs []error
	if c != nil {
		if err := c.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	if t.ownsDB {
		if err := t.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnLoss registers fn to be called once when the pinned connection is found
// broken.
func (t *Transport) OnLoss(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLoss = fn
}

func (t *Transport) current() (*sqlx.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotOpen
	}
	return t.conn, nil
}

// check reports broken-connection errors to the loss handler.
func (t *Transport) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		t.lossOnce.Do(func() {
			t.mu.Lock()
			fn := t.onLoss
			t.mu.Unlock()

			log.Warn().Err(err).Msg("Pinned connection is broken")
			if fn != nil {
				fn(err)
			}
		})
	}
	return err
}

// ExecContext executes a statement that returns no rows.
func (t *Transport) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	c, err := t.current()
	if err != nil {
		return nil, err
	}
	res, err := c.ExecContext(ctx, query, args...)
	return res, t.check(err)
}

// GetContext scans a single row into dest.
func (t *Transport) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return t.check(c.GetContext(ctx, dest, query, args...))
}

// SelectContext scans all rows into dest, which must be a pointer to a slice.
func (t *Transport) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return t.check(c.SelectContext(ctx, dest, query, args...))
}

// QueryMapsContext runs a query and returns each row as a column-keyed map.
// []byte values are converted to strings.
func (t *Transport) QueryMapsContext(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	c, err := t.current()
	if err != nil {
		return nil, err
	}
	rows, err := c.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, t.check(err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, t.check(err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, t.check(rows.Err())
}

// PingContext verifies the pinned connection is alive.
func (t *Transport) PingContext(ctx context.Context) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return t.check(c.PingContext(ctx))
}
