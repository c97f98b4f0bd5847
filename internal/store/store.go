package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Role values a user row may carry.
const (
	RoleLearner = "learner"
	RoleMentor  = "mentor"
)

// User is an account row. Password and profile management live in the HTTP
// service; the realtime layer only reads accounts for identity resolution.
type User struct {
	ID           string
	DisplayName  string
	Role         string
	LastLogoutAt *time.Time
	CreatedAt    time.Time
}

// Group is a study group with a persisted member roster.
type Group struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// Message kinds the chat layer distinguishes.
const (
	MessageKindText       = "text"
	MessageKindAttachment = "attachment"
	MessageKindSystem     = "system"
	MessageKindPollVote   = "poll_vote"
)

// Message is a persisted chat message.
type Message struct {
	ID         string
	Group      string
	SenderID   string
	SenderName string
	Kind       string
	Body       string
	CreatedAt  time.Time
}

// Video room lifecycle states.
const (
	RoomStatusWaiting = "waiting"
	RoomStatusActive  = "active"
	RoomStatusEnded   = "ended"
)

// VideoRoom is the persisted record for a scheduled video room.
type VideoRoom struct {
	Code      string
	Title     string
	HostID    string
	Status    string
	CreatedAt time.Time
}

// UserStore handles account lookups for identity resolution.
type UserStore interface {
	// CreateUser inserts an account row. Used by seeding and the token CLI.
	CreateUser(ctx context.Context, id, displayName, role string) (*User, error)

	// GetUserByID retrieves a user by ID. Returns ErrNotFound if absent.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// SetLastLogout records a logout instant, invalidating earlier tokens.
	SetLastLogout(ctx context.Context, id string, at time.Time) error
}

// GroupStore handles study-group rosters.
type GroupStore interface {
	// CreateGroup inserts a group row.
	CreateGroup(ctx context.Context, name, createdBy string) (*Group, error)

	// GetGroup retrieves a group by name. Returns ErrNotFound if absent.
	GetGroup(ctx context.Context, name string) (*Group, error)

	// AddGroupMember adds a user to a group roster. Idempotent.
	AddGroupMember(ctx context.Context, group, userID string) error

	// IsGroupMember reports whether the user is on the group roster.
	IsGroupMember(ctx context.Context, group, userID string) (bool, error)

	// ListGroupMembers returns roster user IDs for a group.
	ListGroupMembers(ctx context.Context, group string) ([]string, error)
}

// MessageStore handles chat message persistence.
type MessageStore interface {
	// SaveMessage persists a message.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListRecentMessages returns the newest messages of a group,
	// ordered oldest-to-newest, at most limit entries.
	ListRecentMessages(ctx context.Context, group string, limit int) ([]*Message, error)

	// RecordPollVote upserts a vote against a poll message. Ephemeral
	// poll_vote frames update this instead of inserting message rows.
	RecordPollVote(ctx context.Context, messageID, voterID, option string) error
}

// RoomStore handles persisted video room records.
type RoomStore interface {
	// CreateVideoRoom inserts a room record in waiting state.
	CreateVideoRoom(ctx context.Context, code, title, hostID string) (*VideoRoom, error)

	// GetVideoRoom retrieves a room by code. Returns ErrNotFound if absent.
	GetVideoRoom(ctx context.Context, code string) (*VideoRoom, error)

	// UpdateVideoRoomStatus moves a room through waiting/active/ended.
	UpdateVideoRoomStatus(ctx context.Context, code, status string) error
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	GroupStore
	MessageStore
	RoomStore

	// Close closes the underlying database connection.
	Close() error
}
