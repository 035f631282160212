package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A :memory: database lives and dies with its connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_tag TEXT NOT NULL,
			thread_id TEXT,
			reconnect INTEGER NOT NULL DEFAULT 0,
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session ON connections(agent_id, session_tag, connected_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_tag TEXT NOT NULL,
			connection_id TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(agent_id, session_tag, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordConnection stores an opened channel.
func (s *SQLiteStore) RecordConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (connection_id, agent_id, session_tag, thread_id, reconnect, connected_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ConnectionID, conn.AgentID, conn.SessionTag, conn.ThreadID, conn.Reconnect, conn.ConnectedAt)
	return err
}

// ListConnections returns the channels opened for a session, oldest first.
func (s *SQLiteStore) ListConnections(ctx context.Context, agentID, sessionTag string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, agent_id, session_tag, thread_id, reconnect, connected_at
		 FROM connections WHERE agent_id = ? AND session_tag = ? ORDER BY connected_at ASC`,
		agentID, sessionTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var conn Connection
		var threadID sql.NullString
		if err := rows.Scan(&conn.ConnectionID, &conn.AgentID, &conn.SessionTag, &threadID, &conn.Reconnect, &conn.ConnectedAt); err != nil {
			return nil, err
		}
		conn.ThreadID = threadID.String
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// RecordEvent stores a session event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, agent_id, session_tag, connection_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.AgentID, event.SessionTag, event.ConnectionID, event.Ts, event.Type, payload)
	return err
}

// ListEvents retrieves events of a session in recording order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `SELECT event_id, agent_id, session_tag, connection_id, ts, type, payload FROM events WHERE agent_id = ?`
	args := []any{filter.AgentID}

	if filter.SessionTag != "" {
		query += ` AND session_tag = ?`
		args = append(args, filter.SessionTag)
	}

	if filter.AfterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, filter.AfterTs)
	}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var connID, payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.AgentID, &event.SessionTag, &connID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		event.ConnectionID = connID.String
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
