package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/metrics"
	"github.com/skillbridge/realtime-server/internal/proto"
	"github.com/skillbridge/realtime-server/internal/store"
)

// DefaultLanguage is the language a freshly created session starts in.
const DefaultLanguage = "javascript"

// templates seed the shared buffer for a new session.
var templates = map[string]string{
	"javascript": "// Start coding together\n",
	"typescript": "// Start coding together\n",
	"python":     "# Start coding together\n",
	"go":         "package main\n\n// Start coding together\n",
	"java":       "// Start coding together\n",
}

// Manager owns the ephemeral code sessions, one per study group. Sessions
// are created lazily by the first authorized joiner and torn down after a
// grace period once the collaborator map empties, so quick reconnects
// survive a socket bounce.
type Manager struct {
	log        *zerolog.Logger
	groups     store.GroupStore
	grace      time.Duration
	historyCap int

	mu       sync.Mutex
	sessions map[string]*session
}

// session serializes all mutation and fan-out for one group's shared buffer.
type session struct {
	group string

	mu            sync.Mutex
	buffer        string
	language      string
	collaborators map[string]*collaborator
	history       []edit
	createdBy     string
	createdAt     time.Time
	grace         core.GraceTimer
	dead          bool
}

type collaborator struct {
	conn     *core.Conn
	name     string
	cursor   proto.Cursor
	joinedAt time.Time
}

// edit is one entry of the bounded session history.
type edit struct {
	userID string
	code   string
	cursor proto.Cursor
	at     time.Time
}

// NewManager builds a code collaboration session manager.
func NewManager(groups store.GroupStore, grace time.Duration, historyCap int, logger *zerolog.Logger) *Manager {
	return &Manager{
		log:        logger,
		groups:     groups,
		grace:      grace,
		historyCap: historyCap,
		sessions:   make(map[string]*session),
	}
}

// Join attaches the connection to the group's session, creating it if
// absent. Membership is verified against the group's persisted roster, and
// "group not found" is distinguished from "not a member" so clients can tell
// retryable states apart. A stale connection under the same identity is
// evicted first; its joinedAt survives so a quick reconnect looks unchanged
// to everyone else.
func (m *Manager) Join(ctx context.Context, conn *core.Conn, groupName string) *core.Error {
	ident := conn.Identity()
	if ident == nil {
		return core.NewError(core.CodeNotAuthenticated, "authenticate before joining")
	}
	if current := conn.CodeGroup(); current != "" && current != groupName {
		return core.NewError(core.CodeAuthorization, "already in a code session")
	}

	if _, err := m.groups.GetGroup(ctx, groupName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.NewError(core.CodeNotFound, "group not found")
		}
		m.log.Error().Err(err).Str("group", groupName).Msg("failed to look up group")
		return core.NewError(core.CodeInternal, "failed to look up group")
	}
	member, err := m.groups.IsGroupMember(ctx, groupName, ident.ID)
	if err != nil {
		m.log.Error().Err(err).Str("group", groupName).Msg("failed to check roster")
		return core.NewError(core.CodeInternal, "failed to check roster")
	}
	if !member {
		return core.NewError(core.CodeNotAMember, "not a member of this group")
	}

	s, created := m.getOrCreate(groupName, ident.ID)

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return m.Join(ctx, conn, groupName)
	}

	// A rejoin within the grace window cancels the pending teardown.
	s.grace.Stop()

	joinedAt := time.Now()
	if old, ok := s.collaborators[ident.ID]; ok {
		joinedAt = old.joinedAt
		old.conn.SetCodeGroup("")
		delete(s.collaborators, ident.ID)
	}
	col := &collaborator{conn: conn, name: ident.DisplayName, joinedAt: joinedAt}
	s.collaborators[ident.ID] = col
	conn.SetCodeGroup(groupName)

	reply := proto.CodeSessionJoinedOut{
		Type:          proto.TypeCodeSessionJoined,
		Group:         groupName,
		Code:          s.buffer,
		Language:      s.language,
		Created:       created,
		Collaborators: make([]proto.CollaboratorOut, 0, len(s.collaborators)),
	}
	for id, sc := range s.collaborators {
		reply.Collaborators = append(reply.Collaborators, collaboratorOut(id, sc))
	}

	joined := proto.CollaboratorJoinedOut{
		Type:         proto.TypeCollaboratorJoined,
		Group:        groupName,
		Collaborator: collaboratorOut(ident.ID, col),
	}
	for id, sc := range s.collaborators {
		if id == ident.ID {
			continue
		}
		sc.conn.Send(joined)
	}
	s.mu.Unlock()

	conn.Send(reply)
	m.log.Debug().Str("group", groupName).Str("user", ident.ID).Bool("created", created).Msg("code session join")
	return nil
}

// Edit overwrites the authoritative buffer with the client's full buffer.
// Last writer wins: no operational transform or CRDT merge is attempted, so
// concurrent edits can clobber each other. That trade-off buys a trivially
// consistent buffer at study-group scale.
func (m *Manager) Edit(conn *core.Conn, upd proto.CodeUpdate) *core.Error {
	s, userID, col, cerr := m.member(conn, upd.Group)
	if cerr != nil {
		return cerr
	}

	s.mu.Lock()
	s.buffer = upd.Code
	col.cursor = upd.Cursor
	s.history = append(s.history, edit{userID: userID, code: upd.Code, cursor: upd.Cursor, at: time.Now()})
	if len(s.history) > m.historyCap {
		s.history = s.history[len(s.history)-m.historyCap:]
	}
	out := proto.CodeUpdatedOut{
		Type:   proto.TypeCodeUpdated,
		Group:  upd.Group,
		Code:   upd.Code,
		UserID: userID,
		Cursor: upd.Cursor,
		Range:  upd.Range,
	}
	m.broadcastExceptLocked(s, userID, out)
	s.mu.Unlock()
	return nil
}

// Cursor moves the sender's caret; broadcast only.
func (m *Manager) Cursor(conn *core.Conn, upd proto.CursorUpdate) *core.Error {
	s, userID, col, cerr := m.member(conn, upd.Group)
	if cerr != nil {
		return cerr
	}

	s.mu.Lock()
	col.cursor = upd.Cursor
	m.broadcastExceptLocked(s, userID, proto.CursorUpdateOut{
		Type:   proto.TypeCursorUpdate,
		Group:  upd.Group,
		UserID: userID,
		Cursor: upd.Cursor,
	})
	s.mu.Unlock()
	return nil
}

// Language switches the session language for everyone.
func (m *Manager) Language(conn *core.Conn, upd proto.CodeLanguageChange) *core.Error {
	s, userID, _, cerr := m.member(conn, upd.Group)
	if cerr != nil {
		return cerr
	}

	s.mu.Lock()
	s.language = upd.Language
	m.broadcastExceptLocked(s, userID, proto.CodeLanguageChangeOut{
		Type:     proto.TypeCodeLanguageChange,
		Group:    upd.Group,
		Language: upd.Language,
		UserID:   userID,
	})
	s.mu.Unlock()
	return nil
}

// RunResult shares a client-side run's output with the rest of the session.
func (m *Manager) RunResult(conn *core.Conn, upd proto.CodeRunResult) *core.Error {
	s, userID, _, cerr := m.member(conn, upd.Group)
	if cerr != nil {
		return cerr
	}

	s.mu.Lock()
	m.broadcastExceptLocked(s, userID, proto.CodeRunResultOut{
		Type:   proto.TypeCodeRunResult,
		Group:  upd.Group,
		UserID: userID,
		Output: upd.Output,
		Errors: upd.Errors,
	})
	s.mu.Unlock()
	return nil
}

// Leave detaches the connection. An emptied session is not destroyed
// immediately: the grace timer starts (or restarts), and only its expiry
// tears the session down.
func (m *Manager) Leave(conn *core.Conn, groupName string) *core.Error {
	if conn.CodeGroup() != groupName {
		return core.NewError(core.CodeNotFound, "not in that code session")
	}
	m.detach(conn, groupName)
	return nil
}

// Disconnect is the registry cleanup hook; a no-op without membership.
func (m *Manager) Disconnect(conn *core.Conn) {
	if group := conn.CodeGroup(); group != "" {
		m.detach(conn, group)
	}
}

// Snapshot returns the session's current buffer and language.
func (m *Manager) Snapshot(groupName string) (buffer, language string, ok bool) {
	s := m.get(groupName)
	if s == nil {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer, s.language, true
}

// HistoryLen reports the bounded history's current length.
func (m *Manager) HistoryLen(groupName string) int {
	s := m.get(groupName)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// CollaboratorJoinedAt returns when the given identity joined the session.
func (m *Manager) CollaboratorJoinedAt(groupName, userID string) (time.Time, bool) {
	s := m.get(groupName)
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collaborators[userID]
	if !ok {
		return time.Time{}, false
	}
	return col.joinedAt, true
}

// ActiveSessions returns the groups that currently hold a session, the
// draining ones included.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

func (m *Manager) detach(conn *core.Conn, groupName string) {
	conn.SetCodeGroup("")

	s := m.get(groupName)
	if s == nil {
		return
	}

	s.mu.Lock()
	var userID string
	for id, col := range s.collaborators {
		if col.conn.Handle() == conn.Handle() {
			userID = id
			break
		}
	}
	if userID == "" {
		s.mu.Unlock()
		return
	}
	delete(s.collaborators, userID)

	left := proto.CollaboratorLeftOut{
		Type:   proto.TypeCollaboratorLeft,
		Group:  groupName,
		UserID: userID,
	}
	for _, col := range s.collaborators {
		col.conn.Send(left)
	}
	if len(s.collaborators) == 0 {
		s.grace.Start(m.grace, func() { m.reapIfEmpty(groupName, s) })
	}
	s.mu.Unlock()

	m.log.Debug().Str("group", groupName).Str("user", userID).Msg("code session leave")
}

func (m *Manager) reapIfEmpty(groupName string, s *session) {
	s.mu.Lock()
	if len(s.collaborators) != 0 || s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[groupName] == s {
		delete(m.sessions, groupName)
		metrics.CodeSessionsActive.Dec()
	}
	m.mu.Unlock()
	m.log.Debug().Str("group", groupName).Msg("idle code session destroyed")
}

// member resolves the sender's session and collaborator record.
func (m *Manager) member(conn *core.Conn, groupName string) (*session, string, *collaborator, *core.Error) {
	ident := conn.Identity()
	if ident == nil {
		return nil, "", nil, core.NewError(core.CodeNotAuthenticated, "authenticate first")
	}
	s := m.get(groupName)
	if s == nil {
		return nil, "", nil, core.NewError(core.CodeNotFound, "no code session for that group")
	}
	s.mu.Lock()
	col, ok := s.collaborators[ident.ID]
	s.mu.Unlock()
	if !ok || col.conn.Handle() != conn.Handle() {
		return nil, "", nil, core.NewError(core.CodeNotAMember, "not in that code session")
	}
	return s, ident.ID, col, nil
}

func (m *Manager) broadcastExceptLocked(s *session, exceptUserID string, frame any) {
	for id, col := range s.collaborators {
		if id == exceptUserID {
			continue
		}
		col.conn.Send(frame)
	}
}

func (m *Manager) get(groupName string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[groupName]
}

func (m *Manager) getOrCreate(groupName, creatorID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[groupName]
	if !ok {
		s = &session{
			group:         groupName,
			buffer:        templates[DefaultLanguage],
			language:      DefaultLanguage,
			collaborators: make(map[string]*collaborator),
			createdBy:     creatorID,
			createdAt:     time.Now(),
		}
		m.sessions[groupName] = s
		metrics.CodeSessionsActive.Inc()
	}
	return s, !ok
}

func collaboratorOut(userID string, col *collaborator) proto.CollaboratorOut {
	return proto.CollaboratorOut{
		UserID:      userID,
		DisplayName: col.name,
		Cursor:      col.cursor,
		JoinedAt:    col.joinedAt.Unix(),
	}
}
