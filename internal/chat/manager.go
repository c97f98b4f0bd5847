package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/metrics"
	"github.com/skillbridge/realtime-server/internal/proto"
	"github.com/skillbridge/realtime-server/internal/store"
)

// Manager owns per-group subscriber sets. Groups are created lazily on first
// join and removed the moment their subscriber set empties; durability of the
// messages themselves is the store's job, not this manager's.
type Manager struct {
	log          *zerolog.Logger
	messages     store.MessageStore
	historyLimit int

	mu     sync.Mutex
	groups map[string]*group
}

// group serializes all mutation and fan-out for one chat group. Unrelated
// groups proceed fully in parallel.
type group struct {
	name string

	mu   sync.Mutex
	subs map[string]*core.Conn
	dead bool
}

// NewManager builds a chat broadcast manager.
func NewManager(messages store.MessageStore, historyLimit int, logger *zerolog.Logger) *Manager {
	return &Manager{
		log:          logger,
		messages:     messages,
		historyLimit: historyLimit,
		groups:       make(map[string]*group),
	}
}

// Join subscribes the connection and replies with the most recent persisted
// history slice, oldest-to-newest.
func (m *Manager) Join(ctx context.Context, conn *core.Conn, groupName string) *core.Error {
	if groupName == "" {
		return core.NewError(core.CodeInvalidFormat, "group is required")
	}

	g := m.getOrCreate(groupName)
	g.mu.Lock()
	if g.dead {
		// Lost a race with removal; take a fresh group.
		g.mu.Unlock()
		return m.Join(ctx, conn, groupName)
	}
	g.subs[conn.Handle()] = conn
	g.mu.Unlock()

	conn.AddChatGroup(groupName)
	m.log.Debug().Str("group", groupName).Str("handle", conn.Handle()).Msg("chat join")

	history, err := m.messages.ListRecentMessages(ctx, groupName, m.historyLimit)
	if err != nil {
		m.log.Warn().Err(err).Str("group", groupName).Msg("failed to load chat history")
		history = nil
	}

	out := proto.ChatHistoryOut{
		Type:     proto.TypeChatHistory,
		Group:    groupName,
		Messages: make([]proto.ChatMessageOut, 0, len(history)),
	}
	for _, msg := range history {
		out.Messages = append(out.Messages, messageOut(msg))
	}
	conn.Send(out)
	return nil
}

// Post persists an ordinary message first, then fans the persisted record out
// to every current subscriber, sender included, so all clients see identical
// ordering. Ephemeral kinds (system, poll_vote) skip the insert: system
// messages are fan-out only, poll votes become a targeted vote update.
func (m *Manager) Post(ctx context.Context, conn *core.Conn, post proto.ChatPost) *core.Error {
	ident := conn.Identity()
	if ident == nil {
		return core.NewError(core.CodeNotAuthenticated, "authenticate before posting")
	}

	g := m.get(post.Group)
	if g == nil {
		return core.NewError(core.CodeNotFound, "no such chat group")
	}

	kind := post.MessageType
	if kind == "" {
		kind = store.MessageKindText
	}

	// The group's exclusive section covers persist and fan-out: posts to one
	// group are serialized in acceptance order, and a slow store delays only
	// this group's current frame.
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, subscribed := g.subs[conn.Handle()]; !subscribed {
		return core.NewError(core.CodeNotAMember, "join the group before posting")
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		Group:      post.Group,
		SenderID:   ident.ID,
		SenderName: ident.DisplayName,
		Kind:       kind,
		Body:       post.Message,
		CreatedAt:  time.Now().UTC(),
	}

	switch kind {
	case store.MessageKindSystem:
		// Fan-out only.
	case store.MessageKindPollVote:
		if post.PollMessageID == "" {
			return core.NewError(core.CodeInvalidFormat, "pollMessageId is required")
		}
		if err := m.messages.RecordPollVote(ctx, post.PollMessageID, ident.ID, post.PollOption); err != nil {
			m.log.Error().Err(err).Str("group", post.Group).Msg("failed to record poll vote")
			return core.NewError(core.CodeInternal, "failed to record vote")
		}
	default:
		if err := m.messages.SaveMessage(ctx, msg); err != nil {
			m.log.Error().Err(err).Str("group", post.Group).Msg("failed to persist message")
			return core.NewError(core.CodeInternal, "failed to persist message")
		}
	}

	out := messageOut(msg)
	for _, sub := range g.subs {
		sub.Send(out)
	}
	return nil
}

// Leave unsubscribes the connection; the group entry is deleted once its
// subscriber set empties, never left dangling.
func (m *Manager) Leave(conn *core.Conn, groupName string) *core.Error {
	if !m.remove(conn, groupName) {
		return core.NewError(core.CodeNotFound, "not subscribed to that group")
	}
	return nil
}

// Disconnect removes the connection from every group it was subscribed to.
// Idempotent; registered as a registry cleanup hook.
func (m *Manager) Disconnect(conn *core.Conn) {
	for _, groupName := range conn.ChatGroups() {
		m.remove(conn, groupName)
	}
}

// ActiveGroups returns the names of groups that currently have subscribers.
func (m *Manager) ActiveGroups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// GroupSize reports the current subscriber count, 0 if the group is absent.
func (m *Manager) GroupSize(groupName string) int {
	g := m.get(groupName)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (m *Manager) remove(conn *core.Conn, groupName string) bool {
	conn.RemoveChatGroup(groupName)

	g := m.get(groupName)
	if g == nil {
		return false
	}

	g.mu.Lock()
	_, ok := g.subs[conn.Handle()]
	if ok {
		delete(g.subs, conn.Handle())
	}
	empty := len(g.subs) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.groups[groupName] == g {
			delete(m.groups, groupName)
			metrics.ChatGroupsActive.Dec()
		}
		m.mu.Unlock()
		m.log.Debug().Str("group", groupName).Msg("chat group removed")
	}
	return ok
}

func (m *Manager) get(groupName string) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[groupName]
}

func (m *Manager) getOrCreate(groupName string) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupName]
	if !ok {
		g = &group{name: groupName, subs: make(map[string]*core.Conn)}
		m.groups[groupName] = g
		metrics.ChatGroupsActive.Inc()
	}
	return g
}

func messageOut(msg *store.Message) proto.ChatMessageOut {
	return proto.ChatMessageOut{
		Type:        proto.TypeChatMessage,
		ID:          msg.ID,
		Group:       msg.Group,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Message:     msg.Body,
		MessageType: msg.Kind,
		Timestamp:   msg.CreatedAt.Unix(),
	}
}
