package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/skillbridge/realtime-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	role           TEXT NOT NULL CHECK (role IN ('learner', 'mentor')),
	last_logout_at DATETIME,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS groups (
	name       TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_members (
	group_name TEXT NOT NULL REFERENCES groups(name),
	user_id    TEXT NOT NULL REFERENCES users(id),
	joined_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_name, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	group_name  TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT 'text',
	body        TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_group_created
	ON messages(group_name, created_at);

CREATE TABLE IF NOT EXISTS message_votes (
	message_id TEXT NOT NULL REFERENCES messages(id),
	voter_id   TEXT NOT NULL,
	option     TEXT NOT NULL,
	voted_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (message_id, voter_id)
);

CREATE TABLE IF NOT EXISTS video_rooms (
	code       TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	host_id    TEXT NOT NULL REFERENCES users(id),
	status     TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'active', 'ended')),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and ensures the schema exists.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser inserts an account row.
func (s *SQLiteStore) CreateUser(ctx context.Context, id, displayName, role string) (*store.User, error) {
	query := `
		INSERT INTO users (id, display_name, role)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, displayName, role); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `
		SELECT id, display_name, role, last_logout_at, created_at
		FROM users
		WHERE id = ?
	`
	var u store.User
	var lastLogout sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.DisplayName, &u.Role, &lastLogout, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	if lastLogout.Valid {
		u.LastLogoutAt = &lastLogout.Time
	}
	return &u, nil
}

// SetLastLogout records a logout instant for token invalidation.
func (s *SQLiteStore) SetLastLogout(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_logout_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update last logout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ==== GroupStore implementation ====

// CreateGroup inserts a group row.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name, createdBy string) (*store.Group, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (name, created_by) VALUES (?, ?)`, name, createdBy); err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return s.GetGroup(ctx, name)
}

// GetGroup retrieves a group by name.
func (s *SQLiteStore) GetGroup(ctx context.Context, name string) (*store.Group, error) {
	var g store.Group
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_by, created_at FROM groups WHERE name = ?`, name).
		Scan(&g.Name, &g.CreatedBy, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select group: %w", err)
	}
	return &g, nil
}

// AddGroupMember adds a user to a group roster. Idempotent.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, group, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_name, user_id) VALUES (?, ?)`, group, userID)
	if err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

// IsGroupMember reports whether the user is on the group roster.
func (s *SQLiteStore) IsGroupMember(ctx context.Context, group, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_members WHERE group_name = ? AND user_id = ?`, group, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select group member: %w", err)
	}
	return true, nil
}

// ListGroupMembers returns roster user IDs for a group.
func (s *SQLiteStore) ListGroupMembers(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_name = ? ORDER BY joined_at`, group)
	if err != nil {
		return nil, fmt.Errorf("select group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ==== MessageStore implementation ====

// SaveMessage persists a message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	query := `
		INSERT INTO messages (id, group_name, sender_id, sender_name, kind, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.Group, msg.SenderID, msg.SenderName, msg.Kind, msg.Body, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the newest messages of a group, oldest-to-newest.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, group string, limit int) ([]*store.Message, error) {
	query := `
		SELECT id, group_name, sender_id, sender_name, kind, body, created_at
		FROM (
			SELECT id, group_name, sender_id, sender_name, kind, body, created_at
			FROM messages
			WHERE group_name = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, group, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.Message, 0, limit)
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Group, &m.SenderID, &m.SenderName, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// RecordPollVote upserts a vote against a poll message.
func (s *SQLiteStore) RecordPollVote(ctx context.Context, messageID, voterID, option string) error {
	query := `
		INSERT INTO message_votes (message_id, voter_id, option)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, voter_id) DO UPDATE SET option = excluded.option, voted_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, messageID, voterID, option); err != nil {
		return fmt.Errorf("upsert poll vote: %w", err)
	}
	return nil
}

// ==== RoomStore implementation ====

// CreateVideoRoom inserts a room record in waiting state.
func (s *SQLiteStore) CreateVideoRoom(ctx context.Context, code, title, hostID string) (*store.VideoRoom, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO video_rooms (code, title, host_id) VALUES (?, ?, ?)`, code, title, hostID); err != nil {
		return nil, fmt.Errorf("insert video room: %w", err)
	}
	return s.GetVideoRoom(ctx, code)
}

// GetVideoRoom retrieves a room by code.
func (s *SQLiteStore) GetVideoRoom(ctx context.Context, code string) (*store.VideoRoom, error) {
	var r store.VideoRoom
	err := s.db.QueryRowContext(ctx,
		`SELECT code, title, host_id, status, created_at FROM video_rooms WHERE code = ?`, code).
		Scan(&r.Code, &r.Title, &r.HostID, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select video room: %w", err)
	}
	return &r, nil
}

// UpdateVideoRoomStatus moves a room through its lifecycle states.
func (s *SQLiteStore) UpdateVideoRoomStatus(ctx context.Context, code, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE video_rooms SET status = ? WHERE code = ?`, status, code)
	if err != nil {
		return fmt.Errorf("update video room status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
