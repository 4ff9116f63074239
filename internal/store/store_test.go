package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAppliesPragmas(t *testing.T) {
	st := openTestStore(t)

	var fk int
	require.NoError(t, st.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, st.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestWriteTxCommit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO t (id) VALUES ('a')`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWriteTxRollback(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY)`)
		return err
	}))

	boom := errors.New("boom")
	err := st.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (id) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Zero(t, count)
}

func TestWriteConnTogglesPragma(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.WriteConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
			return err
		}
		var fk int
		if err := conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil {
			return err
		}
		assert.Zero(t, fk)
		_, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`)
		return err
	})
	require.NoError(t, err)
}

func TestClosedStoreFailsFast(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Close())

	err := st.WriteTx(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	err = st.WriteConn(context.Background(), func(conn *sql.Conn) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	assert.NoError(t, st.Close())
}
