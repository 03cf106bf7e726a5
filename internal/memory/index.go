package memory

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the sqlite-backed keyword index over captured events. It is
// an accelerator only: the JSONL logs remain the source of truth and
// the index can be rebuilt by replaying them.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_key TEXT NOT NULL,
	chat_id    INTEGER NOT NULL,
	topic_id   TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	text       TEXT NOT NULL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_thread ON events(thread_key, ts);
CREATE INDEX IF NOT EXISTS idx_events_chat ON events(chat_id, ts);
`

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Insert mirrors one event into the index.
func (ix *Index) Insert(ev Event) error {
	_, err := ix.db.Exec(
		`INSERT INTO events (thread_key, chat_id, topic_id, agent_id, role, kind, text, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ThreadKey, ev.ChatID, ev.TopicID, ev.AgentID,
		string(ev.Role), string(ev.Kind), ev.Text, ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// indexedEvent is a retrieval candidate with its rowid for
// deterministic tie-breaking.
type indexedEvent struct {
	Event
	rowID int64
}

// recent returns the newest events matching the given scope filter.
// where must reference the events table columns; args follow the
// placeholders in where.
func (ix *Index) recent(where string, limit int, args ...any) ([]indexedEvent, error) {
	query := `SELECT id, thread_key, chat_id, topic_id, agent_id, role, kind, text, ts
		FROM events WHERE ` + where + ` ORDER BY ts DESC, id DESC LIMIT ?`
	rows, err := ix.db.Query(query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []indexedEvent
	for rows.Next() {
		var ev indexedEvent
		var role, kind string
		var ts int64
		if err := rows.Scan(&ev.rowID, &ev.ThreadKey, &ev.ChatID, &ev.TopicID,
			&ev.AgentID, &role, &kind, &ev.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		ev.Role = Role(role)
		ev.Kind = Kind(kind)
		ev.Timestamp = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
