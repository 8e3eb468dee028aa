package chanlock

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertInteraction(t *testing.T, q Querier, id int64, plugin, channel string) {
	t.Helper()
	_, err := q.ExecContext(context.Background(), `
INSERT INTO interactions(id, created_at, plugin, channel_id, message, response, traceback)
VALUES(?, ?, ?, ?, '{}', '{}', '[]');
`, id, time.Now().UTC().Format(time.RFC3339Nano), plugin, channel)
	require.NoError(t, err)
}

// record mirrors the ledger: interaction write and lock transition in one tx.
func record(t *testing.T, m *Manager, db *sql.DB, id int64, plugin string, d *protocol.LockDirective) (Transition, error) {
	t.Helper()
	var tr Transition
	err := storage.WithTx(context.Background(), db, func(tx *sql.Tx) error {
		insertInteraction(t, tx, id, plugin, "chan-1")
		var err error
		tr, err = m.Apply(context.Background(), tx, d, plugin, id)
		return err
	})
	return tr, err
}

func turn(t *testing.T, plugin string) protocol.Callback {
	cb, err := protocol.NewCallback(plugin, "turn", 42)
	require.NoError(t, err)
	return cb
}

func TestLockLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	_, locked, err := m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.False(t, locked)

	tr, err := record(t, m, db, 1, "guess", protocol.Lock("chan-1", turn(t, "guess")))
	require.NoError(t, err)
	assert.Equal(t, TransitionAcquired, tr)

	st, locked, err := m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	require.True(t, locked)
	assert.Equal(t, "guess", st.Owner)
	assert.Equal(t, int64(1), st.InteractionID)
	assert.Equal(t, "guess.turn", st.Callback.String())
	assert.JSONEq(t, "42", string(st.Callback.Args[0]))

	tr, err = record(t, m, db, 2, "guess", protocol.Lock("chan-1", turn(t, "guess")))
	require.NoError(t, err)
	assert.Equal(t, TransitionRenewed, tr)
	st, _, err = m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.InteractionID)

	tr, err = record(t, m, db, 3, "guess", protocol.Unlock("chan-1"))
	require.NoError(t, err)
	assert.Equal(t, TransitionReleased, tr)
	_, locked, err = m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockConflictRollsBackInteraction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db, WithLogger(log.New(&bytes.Buffer{}, "debug", "json")))

	_, err := record(t, m, db, 1, "guess", protocol.Lock("chan-1", turn(t, "guess")))
	require.NoError(t, err)

	_, err = record(t, m, db, 2, "echo", protocol.Lock("chan-1", turn(t, "echo")))
	require.ErrorIs(t, err, ErrLockConflict)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE id = 2;`).Scan(&n))
	assert.Zero(t, n, "interaction must roll back with the failed lock")

	st, locked, err := m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	require.True(t, locked)
	assert.Equal(t, "guess", st.Owner)

	_, err = record(t, m, db, 3, "echo", protocol.Unlock("chan-1"))
	require.ErrorIs(t, err, ErrLockConflict)
	_, locked, err = m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestUnlockUnlockedIsLoggedNoop(t *testing.T) {
	db := openTestDB(t)
	var buf bytes.Buffer
	m := New(db, WithLogger(log.New(&buf, "info", "json")))

	tr, err := record(t, m, db, 1, "guess", protocol.Unlock("chan-1"))
	require.NoError(t, err)
	assert.Equal(t, TransitionNoop, tr)
	assert.Contains(t, buf.String(), "unlock requested on unlocked channel")
}

func TestNoDirective(t *testing.T) {
	db := openTestDB(t)
	m := New(db)

	tr, err := record(t, m, db, 1, "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, tr)
}

func TestMalformedDirective(t *testing.T) {
	db := openTestDB(t)
	m := New(db)

	_, err := record(t, m, db, 1, "echo", &protocol.LockDirective{Action: "pin", Channel: "chan-1"})
	require.ErrorIs(t, err, ErrMalformedDirective)

	_, err = record(t, m, db, 2, "echo", &protocol.LockDirective{Action: protocol.LockActionLock, Channel: "chan-1"})
	require.ErrorIs(t, err, ErrMalformedDirective)
}

func TestLockTargetMustBelongToRequester(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	_, err := record(t, m, db, 1, "echo", protocol.Lock("chan-1", turn(t, "guess")))
	require.ErrorIs(t, err, ErrMalformedDirective)

	_, locked, err := m.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.False(t, locked)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions;`).Scan(&n))
	assert.Zero(t, n)
}

func TestMalformedStoredLock(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	cases := map[string]func(){
		"no-callback": func() {
			insertInteraction(t, db, 1, "guess", "a")
			_, err := db.ExecContext(ctx, `INSERT INTO channel_locks(channel_id, locked, callback, interaction_id, updated_at) VALUES('a', 1, NULL, 1, ?);`, now)
			require.NoError(t, err)
		},
		"no-owner": func() {
			_, err := db.ExecContext(ctx, `INSERT INTO channel_locks(channel_id, locked, callback, interaction_id, updated_at) VALUES('b', 1, '{"plugin":"guess","name":"turn"}', NULL, ?);`, now)
			require.NoError(t, err)
		},
		"bad-status": func() {
			_, err := db.ExecContext(ctx, `INSERT INTO channel_locks(channel_id, locked, callback, interaction_id, updated_at) VALUES('c', 7, NULL, NULL, ?);`, now)
			require.NoError(t, err)
		},
	}
	channels := map[string]string{"no-callback": "a", "no-owner": "b", "bad-status": "c"}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			setup()
			_, locked, err := m.Locked(ctx, channels[name])
			require.ErrorIs(t, err, ErrMalformedLock)
			assert.False(t, locked)
		})
	}
}
