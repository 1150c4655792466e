package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuinnel/tuinnel/cfdlog"
	"github.com/tuinnel/tuinnel/tunnelstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	log := zerolog.Nop()
	store, err := Open(filepath.Join(t.TempDir(), DefaultFileName), &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func infoEvent(ts time.Time, message string) tunnelstate.ConnectionEvent {
	return tunnelstate.ConnectionEvent{Timestamp: ts, Level: cfdlog.LevelInfo, Message: message}
}

func waitForCount(t *testing.T, store *Store, tunnel string, want int) []Event {
	t.Helper()
	var events []Event
	require.Eventually(t, func() bool {
		var err error
		events, err = store.Tail(tunnel, want+10)
		return err == nil && len(events) == want
	}, 3*time.Second, 10*time.Millisecond)
	return events
}

func TestRecordPersistsEvents(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2024, 5, 11, 10, 0, 2, 0, time.UTC)

	store.Record("app", tunnelstate.ConnectionEvent{
		Timestamp: now,
		Level:     cfdlog.LevelInfo,
		Message:   "Registered tunnel connection",
		Registration: &cfdlog.Registration{
			ConnIndex:    0,
			ConnectionID: "5f8f2ce9-e481-4eb6-bbb0-c0b1f10c0e3e",
			EdgeIP:       "198.41.200.23",
			Location:     "ams08",
			Protocol:     "quic",
		},
	})
	store.Record("app", infoEvent(now.Add(time.Second), "plain line"))
	store.Record("other", infoEvent(now, "unrelated"))

	events := waitForCount(t, store, "app", 2)
	assert.Equal(t, "Registered tunnel connection", events[0].Message)
	assert.Equal(t, "INF", events[0].Level)
	assert.True(t, events[0].Timestamp.Equal(now))

	require.NotNil(t, events[0].Registration)
	assert.Equal(t, 0, events[0].Registration.ConnIndex)
	assert.Equal(t, "ams08", events[0].Registration.Location)
	assert.Equal(t, "quic", events[0].Registration.Protocol)
	assert.Nil(t, events[1].Registration)
}

func TestTailKeepsArrivalOrderAndLimits(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		store.Record("app", infoEvent(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("line %d", i)))
	}
	waitForCount(t, store, "app", 5)

	events, err := store.Tail("app", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "line 3", events[0].Message, "the newest events, oldest first")
	assert.Equal(t, "line 4", events[1].Message)
}

func TestSinceReturnsOnlyNewerRows(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 4; i++ {
		store.Record("app", infoEvent(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("line %d", i)))
	}
	all := waitForCount(t, store, "app", 4)

	newer, err := store.Since("app", all[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, "line 2", newer[0].Message)
	assert.Equal(t, "line 3", newer[1].Message)

	tail, err := store.Since("app", all[3].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, tail, "nothing newer than the last row")
}

func TestTailEmptyForUnknownTunnel(t *testing.T) {
	store := openTestStore(t)

	events, err := store.Tail("ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPruneKeepsNewestRows(t *testing.T) {
	store := openTestStore(t)

	tx, err := store.conn.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`INSERT INTO connection_events (tunnel, ts, level, message) VALUES (?, ?, ?, ?)`)
	require.NoError(t, err)
	now := time.Now().UTC()
	for i := 0; i < retainPerTunnel+10; i++ {
		_, err := stmt.Exec("app", now, "INF", fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	require.NoError(t, store.prune("app"))

	var count int
	require.NoError(t, store.conn.QueryRow(`SELECT COUNT(*) FROM connection_events WHERE tunnel = ?`, "app").Scan(&count))
	assert.Equal(t, retainPerTunnel, count)

	var oldest string
	require.NoError(t, store.conn.QueryRow(`SELECT message FROM connection_events WHERE tunnel = ? ORDER BY id ASC LIMIT 1`, "app").Scan(&oldest))
	assert.Equal(t, "line 10", oldest, "pruning removes the oldest rows")
}

func TestCloseDrainsPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	log := zerolog.Nop()
	store, err := Open(path, &log)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		store.Record("app", infoEvent(now, fmt.Sprintf("line %d", i)))
	}
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close must be idempotent")
	store.Record("app", infoEvent(now, "after close"))

	reopened, err := Open(path, &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	events, err := reopened.Tail("app", 50)
	require.NoError(t, err)
	assert.Len(t, events, 20, "close waits for queued writes and drops nothing recorded before it")
}
