// Package index implements the pointer index (spec §4.3): a small
// embedded relational store over projects, sessions, and log files,
// backed by the pure-Go modernc.org/sqlite driver so the core never
// needs cgo to index a filesystem.
//
// The store gives single-writer/multi-reader semantics by routing all
// writes through one *sql.DB with SetMaxOpenConns(1) and opening a
// separate read-only pool for concurrent readers, mirroring the
// teacher's own sqlite.Open-then-Exec-schema idiom in internal/memory
// and internal/session.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agtrace/agtrace/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	hash TEXT PRIMARY KEY,
	root_path TEXT,
	last_scanned_at DATETIME
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL REFERENCES projects(hash),
	provider TEXT NOT NULL,
	start_ts DATETIME NOT NULL,
	end_ts DATETIME,
	snippet TEXT,
	is_valid INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS log_files (
	path TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	mod_time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_project_hash ON sessions(project_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_start_ts ON sessions(start_ts DESC);
CREATE INDEX IF NOT EXISTS idx_log_files_session_id ON log_files(session_id);
`

const currentSchemaVersion = 1

// Project is the persisted row for a scanned project root (spec §3).
type Project struct {
	Hash          string
	RootPath      string
	LastScannedAt time.Time
}

// Session is the persisted row for a normalized session (spec §3).
type Session struct {
	ID          string
	ProjectHash string
	Provider    string
	StartTS     time.Time
	EndTS       *time.Time
	Snippet     string
	IsValid     bool
}

// LogFile is the persisted row for one on-disk log file (spec §3).
type LogFile struct {
	Path     string
	SessionID string
	Role     string // main | sidechain | meta
	FileSize int64
	ModTime  time.Time
}

const (
	RoleMain      = "main"
	RoleSidechain = "sidechain"
	RoleMeta      = "meta"
)

// Filter narrows list_sessions (spec §4.9 reuses this for query surface
// filtering).
type Filter struct {
	ProjectHash string
	Provider    string
}

// Store is the pointer index: a *sql.DB pair, one serialized for writes
// and one pooled for concurrent reads.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
}

// Open opens (creating if absent) the index database at path and
// applies the schema. path is typically <data-dir>/agtrace.db.
func Open(path string) (*Store, error) {
	writeDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("index: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("index: open read handle: %w", err)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, path: path}
	if err := s.migrate(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.writeDB.Exec(schema); err != nil {
		return fmt.Errorf("index: apply schema: %w", err)
	}
	var count int
	if err := s.writeDB.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("index: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.writeDB.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("index: seed schema_version: %w", err)
		}
	}
	return nil
}

// Close releases both underlying connections.
func (s *Store) Close() error {
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// UpsertProject inserts or refreshes a project's last_scanned_at.
func (s *Store) UpsertProject(ctx context.Context, hash, rootPath string, scannedAt time.Time) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO projects (hash, root_path, last_scanned_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET root_path = excluded.root_path, last_scanned_at = excluded.last_scanned_at
	`, hash, rootPath, scannedAt)
	if err != nil {
		return fmt.Errorf("index: upsert project %s: %w", hash, err)
	}
	return nil
}

// UpsertSession inserts or replaces a session row.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	var endTS any
	if sess.EndTS != nil {
		endTS = *sess.EndTS
	}
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO sessions (id, project_hash, provider, start_ts, end_ts, snippet, is_valid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_hash = excluded.project_hash,
			provider = excluded.provider,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			snippet = excluded.snippet,
			is_valid = excluded.is_valid
	`, sess.ID, sess.ProjectHash, sess.Provider, sess.StartTS, endTS, sess.Snippet, boolToInt(sess.IsValid))
	if err != nil {
		return fmt.Errorf("index: upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession resolves a session by full id or unambiguous prefix
// (spec §3, §4.3, §8 scenario 6).
func (s *Store) GetSession(ctx context.Context, idOrPrefix string) (Session, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, project_hash, provider, start_ts, end_ts, snippet, is_valid
		FROM sessions WHERE id LIKE ? ORDER BY id
	`, idOrPrefix+"%")
	if err != nil {
		return Session{}, fmt.Errorf("index: get session %s: %w", idOrPrefix, err)
	}
	defer rows.Close()

	var matches []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("index: get session %s: %w", idOrPrefix, err)
	}

	switch len(matches) {
	case 0:
		return Session{}, apperr.SessionNotFound(idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return Session{}, apperr.AmbiguousPrefix(idOrPrefix, ids)
	}
}

// ListSessions returns sessions matching filter, most recent first,
// with simple integer offset pagination (internal/query builds its
// opaque cursor encoding on top).
func (s *Store) ListSessions(ctx context.Context, filter Filter, limit int, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var where []string
	var args []any
	if filter.ProjectHash != "" {
		where = append(where, "project_hash = ?")
		args = append(args, filter.ProjectHash)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	where = append(where, "is_valid = 1")

	query := `SELECT id, project_hash, provider, start_ts, end_ts, snippet, is_valid FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpsertLogFile inserts or refreshes a log file's size/mod-time
// bookkeeping, keyed by absolute path (spec §3, §4.3, §4.4).
func (s *Store) UpsertLogFile(ctx context.Context, f LogFile) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO log_files (path, session_id, role, file_size, mod_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			session_id = excluded.session_id,
			role = excluded.role,
			file_size = excluded.file_size,
			mod_time = excluded.mod_time
	`, f.Path, f.SessionID, f.Role, f.FileSize, f.ModTime)
	if err != nil {
		return fmt.Errorf("index: upsert log file %s: %w", f.Path, err)
	}
	return nil
}

// GetLogFile returns the stored bookkeeping row for path, if any, used by
// the scanner's incremental re-scan check (spec §4.4).
func (s *Store) GetLogFile(ctx context.Context, path string) (LogFile, bool, error) {
	var f LogFile
	err := s.readDB.QueryRowContext(ctx, `
		SELECT path, session_id, role, file_size, mod_time FROM log_files WHERE path = ?
	`, path).Scan(&f.Path, &f.SessionID, &f.Role, &f.FileSize, &f.ModTime)
	if err == sql.ErrNoRows {
		return LogFile{}, false, nil
	}
	if err != nil {
		return LogFile{}, false, fmt.Errorf("index: get log file %s: %w", path, err)
	}
	return f, true, nil
}

// GetSessionFiles returns every log file attributed to a session.
func (s *Store) GetSessionFiles(ctx context.Context, sessionID string) ([]LogFile, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT path, session_id, role, file_size, mod_time FROM log_files
		WHERE session_id = ? ORDER BY path
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("index: get session files %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []LogFile
	for rows.Next() {
		var f LogFile
		if err := rows.Scan(&f.Path, &f.SessionID, &f.Role, &f.FileSize, &f.ModTime); err != nil {
			return nil, fmt.Errorf("index: scan log file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SoftDeleteSession marks a session invalid without removing its rows,
// so historical queries against already-loaded data stay consistent.
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	res, err := s.writeDB.ExecContext(ctx, `UPDATE sessions SET is_valid = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: soft delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: soft delete session %s: %w", id, err)
	}
	if n == 0 {
		return apperr.SessionNotFound(id)
	}
	return nil
}

// Vacuum reclaims space from soft-deleted rows and fragmented pages.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("index: vacuum: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var endTS sql.NullTime
	var isValid int
	if err := r.Scan(&sess.ID, &sess.ProjectHash, &sess.Provider, &sess.StartTS, &endTS, &sess.Snippet, &isValid); err != nil {
		return Session{}, fmt.Errorf("index: scan session: %w", err)
	}
	if endTS.Valid {
		t := endTS.Time
		sess.EndTS = &t
	}
	sess.IsValid = isValid != 0
	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
