package sqlexec

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/harun/pgasync/pkg/conn"
	"github.com/harun/pgasync/pkg/opqueue"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   int    `db:"id"`
	Name string `db:"name"`
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openConnection(t *testing.T) *conn.Connection[*Transport] {
	t.Helper()
	transport, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)

	c := conn.New(transport, conn.WithName("sqlite"))
	t.Cleanup(func() { _ = c.Close() })

	connect, err := c.Connect().Submit()
	require.NoError(t, err)
	_, err = connect.Wait(testContext(t))
	require.NoError(t, err)
	return c
}

func exec(c *conn.Connection[*Transport], query string, args ...interface{}) *opqueue.Operation[sql.Result] {
	return conn.Do(c, func(ctx context.Context, tr *Transport) (sql.Result, error) {
		return tr.ExecContext(ctx, query, args...)
	})
}

func TestTransport_StatementsRunInSubmissionOrder(t *testing.T) {
	c := openConnection(t)

	_, err := exec(c, "CREATE TABLE tab (id INTEGER PRIMARY KEY, name TEXT)").Submit()
	require.NoError(t, err)
	_, err = exec(c, "INSERT INTO tab (id, name) VALUES (?, ?)", 1, "one").Submit()
	require.NoError(t, err)
	_, err = exec(c, "INSERT INTO tab (id, name) VALUES (?, ?)", 2, "two").Submit()
	require.NoError(t, err)

	rows, err := conn.Do(c, func(ctx context.Context, tr *Transport) ([]item, error) {
		var items []item
		err := tr.SelectContext(ctx, &items, "SELECT id, name FROM tab ORDER BY id")
		return items, err
	}).Submit()
	require.NoError(t, err)

	items, err := rows.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []item{{1, "one"}, {2, "two"}}, items)
}

func TestTransport_GetAndRemoteError(t *testing.T) {
	c := openConnection(t)

	one, err := conn.Do(c, func(ctx context.Context, tr *Transport) (int, error) {
		var v int
		err := tr.GetContext(ctx, &v, "SELECT 1 AS t")
		return v, err
	}).Submit()
	require.NoError(t, err)

	var handled error
	bad, err := exec(c, "SELECT * FROM missing_table").OnError(func(err error) { handled = err }).Submit()
	require.NoError(t, err)

	v, err := one.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = bad.Wait(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
	assert.Equal(t, err, handled)
	assert.Equal(t, opqueue.Failed, bad.State())
}

func TestTransport_NotOpen(t *testing.T) {
	transport, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.ExecContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, transport.PingContext(context.Background()), ErrNotOpen)
}

func TestTransport_OpenIsIdempotent(t *testing.T) {
	transport, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer transport.Close()

	require.NoError(t, transport.Open(context.Background()))
	first := transport.conn
	require.NoError(t, transport.Open(context.Background()))
	assert.Same(t, first, transport.conn)
	assert.NoError(t, transport.PingContext(context.Background()))
}

func TestTransport_BrokenConnectionReportsLoss(t *testing.T) {
	c := openConnection(t)
	transport := c.Transport()

	// Break the pinned connection underneath the transport.
	transport.mu.Lock()
	require.NoError(t, transport.conn.Close())
	transport.mu.Unlock()

	broken, err := exec(c, "SELECT 1").Submit()
	require.NoError(t, err)
	_, err = broken.Wait(testContext(t))
	require.Error(t, err)
	assert.Equal(t, opqueue.Failed, broken.State())

	after, err := exec(c, "SELECT 1").Submit()
	require.NoError(t, err)
	_, err = after.Wait(testContext(t))
	assert.ErrorIs(t, err, opqueue.ErrConnectionLost)
	assert.True(t, c.Queue().Stats().Closed)
}

func TestTransport_QueryMaps(t *testing.T) {
	c := openConnection(t)

	_, err := exec(c, "CREATE TABLE kv (k TEXT, v BLOB)").Submit()
	require.NoError(t, err)
	_, err = exec(c, "INSERT INTO kv VALUES (?, ?)", "a", []byte("raw")).Submit()
	require.NoError(t, err)

	sub, err := conn.Do(c, func(ctx context.Context, tr *Transport) ([]map[string]interface{}, error) {
		return tr.QueryMapsContext(ctx, "SELECT k, v FROM kv")
	}).Submit()
	require.NoError(t, err)

	rows, err := sub.Wait(testContext(t))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["k"])
	assert.Equal(t, "raw", rows[0]["v"])
}
