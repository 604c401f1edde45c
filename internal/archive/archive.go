// Package archive keeps a long-term SQLite record of terminal tasks. The
// JSON stores cap out at 200 entries each; the archive is where older runs
// remain queryable.
package archive

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	peer_id TEXT NOT NULL DEFAULT '',
	instruction TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL,
	archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(task_id, direction)
);
CREATE INDEX IF NOT EXISTS idx_archived_status ON archived_tasks(status);
CREATE INDEX IF NOT EXISTS idx_archived_peer ON archived_tasks(peer_id);
CREATE INDEX IF NOT EXISTS idx_archived_completed ON archived_tasks(completed_at);
`

// Task directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Entry is one archived terminal task.
type Entry struct {
	TaskID      string    `json:"taskId"`
	Direction   string    `json:"direction"`
	PeerID      string    `json:"peerId"`
	Instruction string    `json:"instruction"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Stats is a census of the archive.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// Archive is a SQLite-backed terminal-task log.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores one terminal task. Re-archiving the same task replaces the
// earlier row, so repeated terminal observations stay idempotent.
func (a *Archive) Record(e Entry) error {
	if e.TaskID == "" || e.Status == "" {
		return fmt.Errorf("archive entry needs taskId and status")
	}
	if e.Direction == "" {
		e.Direction = DirectionSent
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	_, err := a.db.Exec(`
		INSERT INTO archived_tasks
			(task_id, direction, peer_id, instruction, status, result, error_text, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, direction) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error_text = excluded.error_text,
			duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at`,
		e.TaskID, e.Direction, e.PeerID, e.Instruction, e.Status,
		e.Result, e.Error, e.DurationMs, e.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("archive task %s: %w", e.TaskID, err)
	}
	return nil
}

// Recent returns the most recently completed entries.
func (a *Archive) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT task_id, direction, peer_id, instruction, status, result, error_text, duration_ms, completed_at
		FROM archived_tasks ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Search returns entries whose instruction or result contains the query,
// most recent first.
func (a *Archive) Search(query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + strings.TrimSpace(query) + "%"
	rows, err := a.db.Query(`
		SELECT task_id, direction, peer_id, instruction, status, result, error_text, duration_ms, completed_at
		FROM archived_tasks
		WHERE instruction LIKE ? OR result LIKE ?
		ORDER BY completed_at DESC, id DESC LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ByPeer returns entries exchanged with one peer, most recent first.
func (a *Archive) ByPeer(peerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT task_id, direction, peer_id, instruction, status, result, error_text, duration_ms, completed_at
		FROM archived_tasks WHERE peer_id = ?
		ORDER BY completed_at DESC, id DESC LIMIT ?`, peerID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Summary counts archived tasks by status.
func (a *Archive) Summary() (Stats, error) {
	rows, err := a.db.Query(`SELECT status, COUNT(*) FROM archived_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := Stats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TaskID, &e.Direction, &e.PeerID, &e.Instruction,
			&e.Status, &e.Result, &e.Error, &e.DurationMs, &e.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
