// Package history persists connection events to a local SQLite database so
// tunnel activity survives restarts. Writes go through a single writer
// goroutine; the state hub hands events off without blocking and a full
// queue drops rather than stalls.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tuinnel/tuinnel/cfdlog"
	"github.com/tuinnel/tuinnel/tunnelstate"
)

const (
	// DefaultFileName is the database file inside the user's state
	// directory.
	DefaultFileName = "history.db"

	queueCapacity   = 512
	retainPerTunnel = 10000

	// pruneEvery spaces the retention sweeps out; pruning on every insert
	// would dominate the writer.
	pruneEvery = 256
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tunnel TEXT NOT NULL,
	ts DATETIME NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	conn_index INTEGER,
	connection_id TEXT,
	location TEXT,
	edge_ip TEXT,
	protocol TEXT
);

CREATE INDEX IF NOT EXISTS idx_connection_events_tunnel ON connection_events(tunnel, id);
`

// Event is one persisted connection event. Registration is nil unless the
// line announced an edge connection.
type Event struct {
	ID           int64
	Tunnel       string
	Timestamp    time.Time
	Level        string
	Message      string
	Registration *cfdlog.Registration
}

type record struct {
	tunnel string
	event  tunnelstate.ConnectionEvent
}

// Store is the durable event sink. It implements tunnelstate.Recorder.
type Store struct {
	conn  *sql.DB
	log   *zerolog.Logger
	queue chan record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ tunnelstate.Recorder = (*Store)(nil)

// Open creates or opens the history database at path and starts the writer.
func Open(path string, log *zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create history directory")
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to initialize history schema")
	}

	store := &Store{
		conn:  conn,
		log:   log,
		queue: make(chan record, queueCapacity),
		done:  make(chan struct{}),
	}
	go store.writeLoop()
	return store, nil
}

// Record queues one event for persistence. It never blocks: when the writer
// is backed up the event is dropped and counted.
func (s *Store) Record(tunnel string, event tunnelstate.ConnectionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- record{tunnel: tunnel, event: event}:
	default:
		eventsDropped.Inc()
		s.log.Debug().Str("tunnel", tunnel).Msg("History queue full, dropping connection event")
	}
}

// Close drains the queue, checkpoints, and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done

	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	inserts := 0
	for rec := range s.queue {
		if err := s.insert(rec); err != nil {
			s.log.Warn().Err(err).Str("tunnel", rec.tunnel).Msg("Could not persist connection event")
			continue
		}
		eventsWritten.Inc()
		inserts++
		if inserts%pruneEvery == 0 {
			if err := s.prune(rec.tunnel); err != nil {
				s.log.Warn().Err(err).Str("tunnel", rec.tunnel).Msg("Could not prune connection history")
			}
		}
	}
}

func (s *Store) insert(rec record) error {
	var connIndex sql.NullInt64
	var connectionID, location, edgeIP, protocol sql.NullString
	if reg := rec.event.Registration; reg != nil {
		connIndex = sql.NullInt64{Int64: int64(reg.ConnIndex), Valid: true}
		connectionID = sql.NullString{String: reg.ConnectionID, Valid: true}
		location = sql.NullString{String: reg.Location, Valid: true}
		edgeIP = sql.NullString{String: reg.EdgeIP, Valid: true}
		protocol = sql.NullString{String: reg.Protocol, Valid: true}
	}

	_, err := s.conn.Exec(
		`INSERT INTO connection_events (tunnel, ts, level, message, conn_index, connection_id, location, edge_ip, protocol)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.tunnel,
		rec.event.Timestamp,
		string(rec.event.Level),
		rec.event.Message,
		connIndex, connectionID, location, edgeIP, protocol,
	)
	return err
}

// prune drops a tunnel's oldest rows beyond the retention cap.
func (s *Store) prune(tunnel string) error {
	_, err := s.conn.Exec(
		`DELETE FROM connection_events
		 WHERE tunnel = ? AND id NOT IN (
			 SELECT id FROM connection_events WHERE tunnel = ? ORDER BY id DESC LIMIT ?
		 )`,
		tunnel, tunnel, retainPerTunnel,
	)
	return err
}

// Tail returns the newest n events for one tunnel, oldest first.
func (s *Store) Tail(tunnel string, n int) ([]Event, error) {
	rows, err := s.conn.Query(
		`SELECT id, tunnel, ts, level, message, conn_index, connection_id, location, edge_ip, protocol
		 FROM connection_events
		 WHERE tunnel = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		tunnel, n,
	)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	// newest-first from the query, oldest-first for the caller
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Since returns up to limit events for tunnel with an id greater than
// afterID, oldest first. Polling it with the last seen id follows the log.
func (s *Store) Since(tunnel string, afterID int64, limit int) ([]Event, error) {
	rows, err := s.conn.Query(
		`SELECT id, tunnel, ts, level, message, conn_index, connection_id, location, edge_ip, protocol
		 FROM connection_events
		 WHERE tunnel = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		tunnel, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var connIndex sql.NullInt64
		var connectionID, location, edgeIP, protocol sql.NullString
		if err := rows.Scan(
			&event.ID, &event.Tunnel, &event.Timestamp, &event.Level, &event.Message,
			&connIndex, &connectionID, &location, &edgeIP, &protocol,
		); err != nil {
			return nil, err
		}
		if connectionID.Valid {
			event.Registration = &cfdlog.Registration{
				ConnIndex:    int(connIndex.Int64),
				ConnectionID: connectionID.String,
				EdgeIP:       edgeIP.String,
				Location:     location.String,
				Protocol:     protocol.String,
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
