package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/rezaa1/rtllia/pkg/session"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
		  id TEXT PRIMARY KEY,
		  organization_id TEXT NOT NULL,
		  agent_id TEXT NOT NULL,
		  provider_agent_id TEXT NOT NULL DEFAULT '',
		  visitor_id TEXT NOT NULL,
		  status TEXT NOT NULL DEFAULT 'active',
		  mode TEXT NOT NULL DEFAULT 'chat',
		  metadata TEXT NOT NULL DEFAULT '{}',
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  ended_at_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_org
		  ON chat_sessions(organization_id, id);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  id TEXT NOT NULL UNIQUE,
		  chat_session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		  sender_type TEXT NOT NULL CHECK (sender_type IN ('user', 'agent', 'system')),
		  message_type TEXT NOT NULL CHECK (message_type IN ('text', 'voice', 'system')),
		  content TEXT NOT NULL,
		  voice_url TEXT NOT NULL DEFAULT '',
		  metadata TEXT NOT NULL DEFAULT '{}',
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_session
		  ON chat_messages(chat_session_id, created_at_ms, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, in session.Session) (session.Session, error) {
	if s == nil || s.db == nil {
		return session.Session{}, errors.New("sqlite chat store: db is nil")
	}
	rec, err := normalizeSession(in, time.Now().UTC())
	if err != nil {
		return session.Session{}, err
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return session.Session{}, errors.Wrap(err, "sqlite chat store: marshal session metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (
			id, organization_id, agent_id, provider_agent_id, visitor_id,
			status, mode, metadata, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.OrganizationID, rec.AgentID, rec.ProviderAgentID, rec.VisitorID,
		string(rec.Status), string(rec.Mode), string(meta), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return session.Session{}, errors.Wrap(err, "sqlite chat store: insert session")
	}
	return rec, nil
}

func (s *SQLiteStore) Find(ctx context.Context, sessionID, organizationID string) (*session.Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	organizationID = strings.TrimSpace(organizationID)
	if sessionID == "" || organizationID == "" {
		return nil, false, nil
	}
	return s.querySession(ctx, `WHERE id = ? AND organization_id = ?`, sessionID, organizationID)
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*session.Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, nil
	}
	return s.querySession(ctx, `WHERE id = ?`, sessionID)
}

func (s *SQLiteStore) querySession(ctx context.Context, where string, args ...any) (*session.Session, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite chat store: db is nil")
	}
	var (
		rec       session.Session
		status    string
		mode      string
		meta      string
		createdMs int64
		updatedMs int64
		endedMs   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, agent_id, provider_agent_id, visitor_id,
		       status, mode, metadata, created_at_ms, updated_at_ms, ended_at_ms
		FROM chat_sessions
		`+where, args...).Scan(
		&rec.ID,
		&rec.OrganizationID,
		&rec.AgentID,
		&rec.ProviderAgentID,
		&rec.VisitorID,
		&status,
		&mode,
		&meta,
		&createdMs,
		&updatedMs,
		&endedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite chat store: get session")
	}
	rec.Status = session.Status(status)
	rec.Mode = session.Mode(mode)
	rec.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, false, errors.Wrap(err, "sqlite chat store: decode session metadata")
		}
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if endedMs.Valid {
		t := time.UnixMilli(endedMs.Int64).UTC()
		rec.EndedAt = &t
	}
	return &rec, true, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at_ms = ? WHERE id = ?`, at.UnixMilli(), sessionID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: touch session")
	}
	return requireRow(res, sessionID)
}

// SetVoiceMode merges the call details into the stored metadata inside one
// transaction so concurrent metadata writers are not lost.
func (s *SQLiteStore) SetVoiceMode(ctx context.Context, sessionID string, call session.CallDetails, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var meta string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM chat_sessions WHERE id = ?`, sessionID).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(session.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: read session metadata")
	}
	m := map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m); err != nil {
			return errors.Wrap(err, "sqlite chat store: decode session metadata")
		}
	}
	m[session.MetadataCallDetails] = call.AsMap()
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: encode session metadata")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET mode = ?, metadata = ?, updated_at_ms = ? WHERE id = ?
	`, string(session.ModeVoice), string(b), at.UnixMilli(), sessionID); err != nil {
		return errors.Wrap(err, "sqlite chat store: set voice mode")
	}
	return errors.Wrap(tx.Commit(), "sqlite chat store: commit")
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = ?, ended_at_ms = ?, updated_at_ms = ? WHERE id = ?
	`, string(session.StatusEnded), at.UnixMilli(), at.UnixMilli(), sessionID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: end session")
	}
	return requireRow(res, sessionID)
}

func (s *SQLiteStore) Append(ctx context.Context, in session.Message) (session.Message, error) {
	if s == nil || s.db == nil {
		return session.Message{}, errors.New("sqlite chat store: db is nil")
	}
	msg, err := normalizeMessage(in, time.Now().UTC())
	if err != nil {
		return session.Message{}, err
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return session.Message{}, errors.Wrap(err, "sqlite chat store: marshal message metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (
			id, chat_session_id, sender_type, message_type, content, voice_url, metadata, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, string(msg.SenderType), string(msg.MessageType), msg.Content, msg.VoiceURL, string(meta), msg.CreatedAt.UnixMilli())
	if err != nil {
		return session.Message{}, errors.Wrap(err, "sqlite chat store: insert message")
	}
	msg.CreatedAt = time.UnixMilli(msg.CreatedAt.UnixMilli()).UTC()
	return msg, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	// newest first, then reversed into render order
	msgs, err := s.queryMessages(ctx, `
		SELECT id, chat_session_id, sender_type, message_type, content, voice_url, metadata, created_at_ms
		FROM chat_messages
		WHERE chat_session_id = ?
		ORDER BY created_at_ms DESC, seq DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, chat_session_id, sender_type, message_type, content, voice_url, metadata, created_at_ms
		FROM chat_messages
		WHERE chat_session_id = ?
		ORDER BY created_at_ms ASC, seq ASC
	`, sessionID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]session.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := []session.Message{}
	for rows.Next() {
		var (
			msg        session.Message
			senderType string
			msgType    string
			meta       string
			createdMs  int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &senderType, &msgType, &msg.Content, &msg.VoiceURL, &meta, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		msg.SenderType = session.SenderType(senderType)
		msg.MessageType = session.MessageType(msgType)
		msg.Metadata = map[string]any{}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
				return nil, errors.Wrap(err, "sqlite chat store: decode message metadata")
			}
		}
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}
	return out, nil
}

func requireRow(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: rows affected")
	}
	if n == 0 {
		return errors.Wrap(session.ErrSessionNotFound, sessionID)
	}
	return nil
}
