package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Database drivers. Only one is actually dialed at runtime, selected
	// by dialect; all three are registered so a deployment can switch
	// backends by changing configuration alone.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
)

// SQL is a database/sql-backed RecordStore supporting postgres, mysql,
// and sqlite side by side. The in-memory store (memory.go) remains the
// store the rest of the core is tested against; this adapter exists for
// deployments that need a durable networked engine.
//
// Every query is written once in dialect-portable SQL: upserts are a
// probe-then-insert-or-update pair instead of single-statement upsert
// syntax (postgres/sqlite ON CONFLICT vs mysql ON DUPLICATE KEY), so
// only the placeholder style differs between dialects, handled by
// rebind. The coordinator is the sole writer for any given row, so the
// probe does not race.
type SQL struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

// schemaSQL is the postgres/sqlite DDL. Index creation is a separate
// statement because both support CREATE INDEX IF NOT EXISTS.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	email TEXT,
	display_name TEXT,
	role TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_run_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	input_ref TEXT,
	output_ref TEXT,
	error_kind TEXT,
	error_msg TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);

CREATE TABLE IF NOT EXISTS messages (
	run_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	role TEXT NOT NULL,
	author_id TEXT,
	content TEXT,
	tool_calls TEXT,
	seq BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, message_id)
);

CREATE TABLE IF NOT EXISTS events (
	run_id TEXT NOT NULL,
	producer_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	run_seq BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT,
	ts TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, producer_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, run_seq);

CREATE TABLE IF NOT EXISTS memories (
	memory_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	topics TEXT,
	text TEXT,
	embedding TEXT,
	source_run_id TEXT,
	created_at TIMESTAMP NOT NULL,
	archived_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);

CREATE TABLE IF NOT EXISTS knowledge_documents (
	doc_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT,
	mime TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_documents_user ON knowledge_documents(user_id);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	chunk_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	text TEXT,
	embedding TEXT,
	source_offset INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_user ON knowledge_chunks(user_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	phase TEXT,
	last_run_seq BIGINT NOT NULL,
	user_input TEXT,
	partial_text TEXT,
	updated_at TIMESTAMP NOT NULL
);
`

// schemaMySQL is the mysql DDL. Differences from schemaSQL: mysql has
// no CREATE INDEX IF NOT EXISTS, so secondary indexes are declared
// inline as KEY clauses; TEXT columns cannot be indexed without a
// prefix length, so id columns are VARCHAR(191); DATETIME instead of
// TIMESTAMP to avoid TIMESTAMP's range and zero-value quirks.
const schemaMySQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id VARCHAR(191) PRIMARY KEY,
	email TEXT,
	display_name TEXT,
	role TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	name TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_run_id VARCHAR(191),
	KEY idx_sessions_user (user_id)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id VARCHAR(191) PRIMARY KEY,
	session_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	status VARCHAR(32) NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	input_ref TEXT,
	output_ref TEXT,
	error_kind VARCHAR(64),
	error_msg TEXT,
	KEY idx_runs_session (session_id),
	KEY idx_runs_user (user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	run_id VARCHAR(191) NOT NULL,
	message_id VARCHAR(191) NOT NULL,
	role VARCHAR(32) NOT NULL,
	author_id VARCHAR(191),
	content TEXT,
	tool_calls TEXT,
	seq BIGINT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, message_id)
);

CREATE TABLE IF NOT EXISTS events (
	run_id VARCHAR(191) NOT NULL,
	producer_id VARCHAR(191) NOT NULL,
	seq BIGINT NOT NULL,
	run_seq BIGINT NOT NULL,
	event_id VARCHAR(191) NOT NULL,
	kind VARCHAR(64) NOT NULL,
	payload TEXT,
	ts DATETIME NOT NULL,
	PRIMARY KEY (run_id, producer_id, seq),
	KEY idx_events_run_seq (run_id, run_seq)
);

CREATE TABLE IF NOT EXISTS memories (
	memory_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	topics TEXT,
	text TEXT,
	embedding TEXT,
	source_run_id VARCHAR(191),
	created_at DATETIME NOT NULL,
	archived_at DATETIME,
	KEY idx_memories_user (user_id)
);

CREATE TABLE IF NOT EXISTS knowledge_documents (
	doc_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	name TEXT,
	mime VARCHAR(191),
	created_at DATETIME NOT NULL,
	KEY idx_knowledge_documents_user (user_id)
);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	chunk_id VARCHAR(191) PRIMARY KEY,
	doc_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	ordinal INTEGER NOT NULL,
	text TEXT,
	embedding TEXT,
	source_offset INTEGER NOT NULL,
	KEY idx_knowledge_chunks_user (user_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id VARCHAR(191) PRIMARY KEY,
	session_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	phase VARCHAR(64),
	last_run_seq BIGINT NOT NULL,
	user_input TEXT,
	partial_text TEXT,
	updated_at DATETIME NOT NULL
);
`

// NewSQL opens (and migrates) a SQL-backed RecordStore. dialect must be
// one of "postgres", "mysql", or "sqlite".
func NewSQL(db *sql.DB, dialect string) (*SQL, error) {
	var schema string
	switch dialect {
	case "postgres", "sqlite":
		schema = schemaSQL
	case "mysql":
		schema = schemaMySQL
	default:
		return nil, fmt.Errorf("recordstore: unsupported dialect %q", dialect)
	}
	s := &SQL{db: db, dialect: dialect}
	// One statement per Exec: the mysql driver rejects multi-statement
	// strings unless the DSN opts in, and splitting is harmless on the
	// other two.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("recordstore: migrating schema: %w", err)
		}
	}
	return s, nil
}

var _ RecordStore = (*SQL)(nil)

// exists probes for a row. query must be a SELECT 1 with placeholders.
func (s *SQL) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: existence probe", err)
	}
	return true, nil
}

func (s *SQL) PutUser(ctx context.Context, u *model.User) error {
	found, err := s.exists(ctx, `SELECT 1 FROM users WHERE user_id = ?`, u.UserID)
	if err != nil {
		return err
	}
	if found {
		query := s.rebind(`UPDATE users SET email = ?, display_name = ?, role = ? WHERE user_id = ?`)
		_, err = s.db.ExecContext(ctx, query, u.Email, u.DisplayName, u.Role, u.UserID)
	} else {
		query := s.rebind(`INSERT INTO users (user_id, email, display_name, role, created_at) VALUES (?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, u.UserID, u.Email, u.DisplayName, u.Role, u.CreatedAt)
	}
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put user", err)
	}
	return nil
}

func (s *SQL) GetUser(ctx context.Context, userID string) (*model.User, error) {
	query := s.rebind(`SELECT user_id, email, display_name, role, created_at FROM users WHERE user_id = ?`)
	row := s.db.QueryRowContext(ctx, query, userID)
	var u model.User
	if err := row.Scan(&u.UserID, &u.Email, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, runtimeerr.New(runtimeerr.NotFound, "user not found: "+userID)
		}
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: get user", err)
	}
	return &u, nil
}

func (s *SQL) PutSession(ctx context.Context, sess *model.Session) error {
	found, err := s.exists(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sess.SessionID)
	if err != nil {
		return err
	}
	if found {
		query := s.rebind(`UPDATE sessions SET name = ?, updated_at = ?, last_run_id = ? WHERE session_id = ?`)
		_, err = s.db.ExecContext(ctx, query, sess.Name, sess.UpdatedAt, sess.LastRunID, sess.SessionID)
	} else {
		query := s.rebind(`INSERT INTO sessions (session_id, user_id, name, created_at, updated_at, last_run_id) VALUES (?, ?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, sess.SessionID, sess.UserID, sess.Name, sess.CreatedAt, sess.UpdatedAt, sess.LastRunID)
	}
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put session", err)
	}
	return nil
}

func (s *SQL) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	query := s.rebind(`SELECT session_id, user_id, name, created_at, updated_at, last_run_id FROM sessions WHERE session_id = ?`)
	row := s.db.QueryRowContext(ctx, query, sessionID)
	var sess model.Session
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Name, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastRunID); err != nil {
		if err == sql.ErrNoRows {
			return nil, runtimeerr.New(runtimeerr.NotFound, "session not found: "+sessionID)
		}
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: get session", err)
	}
	return &sess, nil
}

func (s *SQL) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	query := s.rebind(`SELECT session_id, user_id, name, created_at, updated_at, last_run_id FROM sessions WHERE user_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list sessions", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Name, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastRunID); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan session", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteSession(ctx context.Context, sessionID string) error {
	// Cascade through runs to messages and events before removing the
	// session row itself.
	runIDs, err := s.runIDsForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE run_id = ?`,
			`DELETE FROM events WHERE run_id = ?`,
			`DELETE FROM checkpoints WHERE run_id = ?`,
			`DELETE FROM runs WHERE run_id = ?`,
		} {
			if _, err := s.db.ExecContext(ctx, s.rebind(stmt), runID); err != nil {
				return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: cascade delete run", err)
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: delete session", err)
	}
	return nil
}

func (s *SQL) runIDsForSession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT run_id FROM runs WHERE session_id = ?`), sessionID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list run ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan run id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQL) PutRun(ctx context.Context, r *model.Run) error {
	found, err := s.exists(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, r.RunID)
	if err != nil {
		return err
	}
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt
	}
	if found {
		query := s.rebind(`UPDATE runs SET status = ?, finished_at = ?, output_ref = ?, error_kind = ?, error_msg = ? WHERE run_id = ?`)
		_, err = s.db.ExecContext(ctx, query, string(r.Status), finished, r.OutputRef, r.ErrorKind, r.ErrorMsg, r.RunID)
	} else {
		query := s.rebind(`INSERT INTO runs (run_id, session_id, user_id, status, started_at, finished_at, input_ref, output_ref, error_kind, error_msg) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, r.RunID, r.SessionID, r.UserID, string(r.Status), r.StartedAt, finished, r.InputRef, r.OutputRef, r.ErrorKind, r.ErrorMsg)
	}
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put run", err)
	}
	return nil
}

func (s *SQL) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	query := s.rebind(`SELECT run_id, session_id, user_id, status, started_at, finished_at, input_ref, output_ref, error_kind, error_msg FROM runs WHERE run_id = ?`)
	row := s.db.QueryRowContext(ctx, query, runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, runtimeerr.New(runtimeerr.NotFound, "run not found: "+runID)
		}
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: get run", err)
	}
	return r, nil
}

func (s *SQL) ListRunsBySession(ctx context.Context, sessionID string) ([]*model.Run, error) {
	query := s.rebind(`SELECT run_id, session_id, user_id, status, started_at, finished_at, input_ref, output_ref, error_kind, error_msg FROM runs WHERE session_id = ? ORDER BY started_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list runs", err)
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanRun reads the full runs column list shared by GetRun and
// ListRunsBySession; session history depends on input_ref/output_ref
// and finished_at being populated, not just the status.
func scanRun(scan func(...any) error) (*model.Run, error) {
	var r model.Run
	var status string
	var finished sql.NullTime
	if err := scan(&r.RunID, &r.SessionID, &r.UserID, &status, &r.StartedAt, &finished, &r.InputRef, &r.OutputRef, &r.ErrorKind, &r.ErrorMsg); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

func (s *SQL) AppendMessage(ctx context.Context, m *model.Message) error {
	found, err := s.exists(ctx, `SELECT 1 FROM messages WHERE run_id = ? AND message_id = ?`, m.RunID, m.MessageID)
	if err != nil {
		return err
	}
	if found {
		return nil // idempotent replay
	}
	toolCalls, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.Internal, "recordstore: marshal tool calls", err)
	}
	query := s.rebind(`INSERT INTO messages (run_id, message_id, role, author_id, content, tool_calls, seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, m.RunID, m.MessageID, string(m.Role), m.AuthorID, m.Content, string(toolCalls), m.Seq, m.CreatedAt)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: append message", err)
	}
	return nil
}

func (s *SQL) ListMessages(ctx context.Context, runID string) ([]*model.Message, error) {
	query := s.rebind(`SELECT run_id, message_id, role, author_id, content, tool_calls, seq, created_at FROM messages WHERE run_id = ? ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list messages", err)
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var role, toolCalls string
		if err := rows.Scan(&m.RunID, &m.MessageID, &role, &m.AuthorID, &m.Content, &toolCalls, &m.Seq, &m.CreatedAt); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan message", err)
		}
		m.Role = model.MessageRole(role)
		_ = json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQL) AppendEvent(ctx context.Context, e *model.Event) error {
	found, err := s.exists(ctx, `SELECT 1 FROM events WHERE run_id = ? AND producer_id = ? AND seq = ?`, e.RunID, e.ProducerID, e.Seq)
	if err != nil {
		return err
	}
	if found {
		return nil // idempotent replay
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.Internal, "recordstore: marshal payload", err)
	}
	query := s.rebind(`INSERT INTO events (run_id, producer_id, seq, run_seq, event_id, kind, payload, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, e.RunID, e.ProducerID, e.Seq, e.RunSeq, e.EventID, string(e.Kind), string(payload), e.Timestamp)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: append event", err)
	}
	return nil
}

func (s *SQL) ListEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	query := s.rebind(`SELECT run_id, producer_id, seq, run_seq, event_id, kind, payload, ts FROM events WHERE run_id = ? ORDER BY run_seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list events", err)
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		var e model.Event
		var kind, payload string
		if err := rows.Scan(&e.RunID, &e.ProducerID, &e.Seq, &e.RunSeq, &e.EventID, &kind, &payload, &e.Timestamp); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan event", err)
		}
		e.Kind = model.EventKind(kind)
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQL) PutMemory(ctx context.Context, m *model.Memory) error {
	topics, err := json.Marshal(m.Topics)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.Internal, "recordstore: marshal topics", err)
	}
	embedding, err := json.Marshal(m.Embedding)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.Internal, "recordstore: marshal embedding", err)
	}
	var archived any
	if m.ArchivedAt != nil {
		archived = *m.ArchivedAt
	}
	found, err := s.exists(ctx, `SELECT 1 FROM memories WHERE memory_id = ?`, m.MemoryID)
	if err != nil {
		return err
	}
	if found {
		query := s.rebind(`UPDATE memories SET topics = ?, text = ?, embedding = ?, archived_at = ? WHERE memory_id = ?`)
		_, err = s.db.ExecContext(ctx, query, string(topics), m.Text, string(embedding), archived, m.MemoryID)
	} else {
		query := s.rebind(`INSERT INTO memories (memory_id, user_id, topics, text, embedding, source_run_id, created_at, archived_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, m.MemoryID, m.UserID, string(topics), m.Text, string(embedding), m.SourceRunID, m.CreatedAt, archived)
	}
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put memory", err)
	}
	return nil
}

func (s *SQL) GetMemoriesByUser(ctx context.Context, userID string) ([]*model.Memory, error) {
	query := s.rebind(`SELECT memory_id, user_id, topics, text, embedding, source_run_id, created_at, archived_at FROM memories WHERE user_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: list memories", err)
	}
	defer rows.Close()
	var out []*model.Memory
	for rows.Next() {
		var m model.Memory
		var topics, embedding string
		var archived sql.NullTime
		if err := rows.Scan(&m.MemoryID, &m.UserID, &topics, &m.Text, &embedding, &m.SourceRunID, &m.CreatedAt, &archived); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "recordstore: scan memory", err)
		}
		_ = json.Unmarshal([]byte(topics), &m.Topics)
		_ = json.Unmarshal([]byte(embedding), &m.Embedding)
		if archived.Valid {
			t := archived.Time
			m.ArchivedAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQL) ArchiveMemory(ctx context.Context, memoryID string, at time.Time) error {
	query := s.rebind(`UPDATE memories SET archived_at = ? WHERE memory_id = ?`)
	res, err := s.db.ExecContext(ctx, query, at, memoryID)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: archive memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return runtimeerr.New(runtimeerr.NotFound, "memory not found: "+memoryID)
	}
	return nil
}

func (s *SQL) PutKnowledgeDocument(ctx context.Context, d *model.KnowledgeDocument) error {
	found, err := s.exists(ctx, `SELECT 1 FROM knowledge_documents WHERE doc_id = ?`, d.DocID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	query := s.rebind(`INSERT INTO knowledge_documents (doc_id, user_id, name, mime, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, d.DocID, d.UserID, d.Name, d.MIME, d.CreatedAt)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put knowledge document", err)
	}
	return nil
}

func (s *SQL) PutKnowledgeChunk(ctx context.Context, c *model.KnowledgeChunk) error {
	found, err := s.exists(ctx, `SELECT 1 FROM knowledge_chunks WHERE chunk_id = ?`, c.ChunkID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.Internal, "recordstore: marshal embedding", err)
	}
	query := s.rebind(`INSERT INTO knowledge_chunks (chunk_id, doc_id, user_id, ordinal, text, embedding, source_offset) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, c.ChunkID, c.DocID, c.UserID, c.Ordinal, c.Text, string(embedding), c.SourceOffset)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put knowledge chunk", err)
	}
	return nil
}

func (s *SQL) GetKnowledgeChunks(ctx context.Context, userID string, chunkIDs []string) ([]*model.KnowledgeChunk, error) {
	out := make([]*model.KnowledgeChunk, 0, len(chunkIDs))
	query := s.rebind(`SELECT chunk_id, doc_id, user_id, ordinal, text, embedding, source_offset FROM knowledge_chunks WHERE chunk_id = ? AND user_id = ?`)
	for _, id := range chunkIDs {
		row := s.db.QueryRowContext(ctx, query, id, userID)
		var c model.KnowledgeChunk
		var embedding string
		if err := row.Scan(&c.ChunkID, &c.DocID, &c.UserID, &c.Ordinal, &c.Text, &embedding, &c.SourceOffset); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: get knowledge chunk", err)
		}
		_ = json.Unmarshal([]byte(embedding), &c.Embedding)
		out = append(out, &c)
	}
	return out, nil
}

func (s *SQL) RecoverCrashedRuns(ctx context.Context) (int, error) {
	query := s.rebind(`UPDATE runs SET status = ?, error_kind = ?, error_msg = ?, finished_at = ? WHERE status IN (?, ?)`)
	res, err := s.db.ExecContext(ctx, query, string(model.RunFailed), string(runtimeerr.Internal),
		"run was in-flight when the process restarted", time.Now(), string(model.RunPending), string(model.RunStreaming))
	if err != nil {
		return 0, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: recover crashed runs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQL) PutCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	found, err := s.exists(ctx, `SELECT 1 FROM checkpoints WHERE run_id = ?`, c.RunID)
	if err != nil {
		return err
	}
	if found {
		query := s.rebind(`UPDATE checkpoints SET phase = ?, last_run_seq = ?, partial_text = ?, updated_at = ? WHERE run_id = ?`)
		_, err = s.db.ExecContext(ctx, query, c.Phase, c.LastRunSeq, c.PartialText, c.UpdatedAt, c.RunID)
	} else {
		query := s.rebind(`INSERT INTO checkpoints (run_id, session_id, user_id, phase, last_run_seq, user_input, partial_text, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, c.RunID, c.SessionID, c.UserID, c.Phase, c.LastRunSeq, c.UserInput, c.PartialText, c.UpdatedAt)
	}
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: put checkpoint", err)
	}
	return nil
}

func (s *SQL) GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	query := s.rebind(`SELECT run_id, session_id, user_id, phase, last_run_seq, user_input, partial_text, updated_at FROM checkpoints WHERE run_id = ?`)
	row := s.db.QueryRowContext(ctx, query, runID)
	var c model.Checkpoint
	if err := row.Scan(&c.RunID, &c.SessionID, &c.UserID, &c.Phase, &c.LastRunSeq, &c.UserInput, &c.PartialText, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, runtimeerr.New(runtimeerr.NotFound, "checkpoint not found: "+runID)
		}
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: get checkpoint", err)
	}
	return &c, nil
}

func (s *SQL) DeleteCheckpoint(ctx context.Context, runID string) error {
	query := s.rebind(`DELETE FROM checkpoints WHERE run_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, runID); err != nil {
		return runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "recordstore: delete checkpoint", err)
	}
	return nil
}

// rebind rewrites "?" placeholders to "$1"-style for postgres, the only
// one of the three drivers that doesn't accept "?" natively.
func (s *SQL) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
