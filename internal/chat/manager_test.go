package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/proto"
	"github.com/skillbridge/realtime-server/internal/store"
	"github.com/skillbridge/realtime-server/internal/store/sqlite"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestManager(t *testing.T) (*Manager, *core.Registry, *sqlite.SQLiteStore) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := core.NewRegistry(testLogger(), 64)
	return NewManager(st, 50, testLogger()), reg, st
}

func identified(reg *core.Registry, id, name string) *core.Conn {
	conn := reg.Register()
	conn.SetIdentity(&auth.Identity{ID: id, DisplayName: name, Role: auth.RoleLearner})
	return conn
}

func nextFrame(t *testing.T, conn *core.Conn, frameType string) any {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-conn.Outbound():
			switch f := frame.(type) {
			case proto.ChatHistoryOut:
				if f.Type == frameType {
					return f
				}
			case proto.ChatMessageOut:
				if f.Type == frameType {
					return f
				}
			}
		case <-deadline:
			t.Fatalf("frame %q not received", frameType)
		}
	}
}

func TestJoinRepliesWithEmptyHistory(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	u := identified(reg, "u1", "U")
	if err := m.Join(ctx, u, "algo-101"); err != nil {
		t.Fatalf("join: %v", err)
	}

	hist := nextFrame(t, u, proto.TypeChatHistory).(proto.ChatHistoryOut)
	if hist.Group != "algo-101" || len(hist.Messages) != 0 {
		t.Fatalf("expected empty history for fresh group, got %+v", hist)
	}
}

func TestPostFansOutToAllSubscribersIncludingSender(t *testing.T) {
	m, reg, st := newTestManager(t)
	ctx := context.Background()

	u := identified(reg, "u1", "U")
	poster := identified(reg, "u2", "P")
	for _, c := range []*core.Conn{u, poster} {
		if err := m.Join(ctx, c, "algo-101"); err != nil {
			t.Fatalf("join: %v", err)
		}
		nextFrame(t, c, proto.TypeChatHistory)
	}

	if err := m.Post(ctx, poster, proto.ChatPost{Group: "algo-101", Message: "hi"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	got := nextFrame(t, u, proto.TypeChatMessage).(proto.ChatMessageOut)
	if got.Message != "hi" || got.SenderID != "u2" || got.SenderName != "P" {
		t.Fatalf("unexpected message frame: %+v", got)
	}
	self := nextFrame(t, poster, proto.TypeChatMessage).(proto.ChatMessageOut)
	if self.ID != got.ID {
		t.Fatalf("sender and subscriber saw different records: %q vs %q", self.ID, got.ID)
	}

	// Persisted before fan-out: the record is in the store.
	persisted, err := st.ListRecentMessages(ctx, "algo-101", 10)
	if err != nil || len(persisted) != 1 {
		t.Fatalf("expected 1 persisted message, got %d (%v)", len(persisted), err)
	}
	if persisted[0].ID != got.ID {
		t.Fatalf("fanned-out record does not match persisted: %q vs %q", got.ID, persisted[0].ID)
	}
}

func TestJoinReceivesPriorHistoryOldestFirst(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	poster := identified(reg, "u1", "P")
	if err := m.Join(ctx, poster, "algo-101"); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if err := m.Post(ctx, poster, proto.ChatPost{Group: "algo-101", Message: body}); err != nil {
			t.Fatalf("post %q: %v", body, err)
		}
	}

	late := identified(reg, "u2", "L")
	if err := m.Join(ctx, late, "algo-101"); err != nil {
		t.Fatalf("late join: %v", err)
	}
	hist := nextFrame(t, late, proto.TypeChatHistory).(proto.ChatHistoryOut)
	if len(hist.Messages) != 2 || hist.Messages[0].Message != "first" || hist.Messages[1].Message != "second" {
		t.Fatalf("expected oldest-to-newest history, got %+v", hist.Messages)
	}
}

func TestSystemMessagesAreNotPersisted(t *testing.T) {
	m, reg, st := newTestManager(t)
	ctx := context.Background()

	u := identified(reg, "u1", "U")
	if err := m.Join(ctx, u, "algo-101"); err != nil {
		t.Fatalf("join: %v", err)
	}
	nextFrame(t, u, proto.TypeChatHistory)

	post := proto.ChatPost{Group: "algo-101", Message: "U joined", MessageType: store.MessageKindSystem}
	if err := m.Post(ctx, u, post); err != nil {
		t.Fatalf("post system: %v", err)
	}

	got := nextFrame(t, u, proto.TypeChatMessage).(proto.ChatMessageOut)
	if got.MessageType != store.MessageKindSystem {
		t.Fatalf("expected system message type, got %q", got.MessageType)
	}

	persisted, err := st.ListRecentMessages(ctx, "algo-101", 10)
	if err != nil || len(persisted) != 0 {
		t.Fatalf("system message must not be persisted, got %d (%v)", len(persisted), err)
	}
}

func TestPostRequiresAuthentication(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	anon := reg.Register()
	if err := m.Join(ctx, anon, "algo-101"); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := m.Post(ctx, anon, proto.ChatPost{Group: "algo-101", Message: "hi"})
	if err == nil || err.Code != core.CodeNotAuthenticated {
		t.Fatalf("expected not_authenticated, got %v", err)
	}
}

func TestPostWithoutJoinIsRejected(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	member := identified(reg, "u1", "U")
	if err := m.Join(ctx, member, "algo-101"); err != nil {
		t.Fatalf("join: %v", err)
	}

	outsider := identified(reg, "u2", "O")
	err := m.Post(ctx, outsider, proto.ChatPost{Group: "algo-101", Message: "hi"})
	if err == nil || err.Code != core.CodeNotAMember {
		t.Fatalf("expected not_a_member, got %v", err)
	}
}

func TestGroupEntryExistsIffSubscribersPresent(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	a := identified(reg, "u1", "A")
	b := identified(reg, "u2", "B")

	if len(m.ActiveGroups()) != 0 {
		t.Fatalf("expected no groups initially")
	}

	_ = m.Join(ctx, a, "g")
	_ = m.Join(ctx, b, "g")
	if m.GroupSize("g") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", m.GroupSize("g"))
	}

	if err := m.Leave(a, "g"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if m.GroupSize("g") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", m.GroupSize("g"))
	}

	if err := m.Leave(b, "g"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(m.ActiveGroups()) != 0 {
		t.Fatalf("empty group must be removed, got %v", m.ActiveGroups())
	}

	// Leaving again is an error for the client but corrupts nothing.
	if err := m.Leave(b, "g"); err == nil || err.Code != core.CodeNotFound {
		t.Fatalf("expected not_found on double leave, got %v", err)
	}
}

func TestDisconnectCleansEverySubscription(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	u := identified(reg, "u1", "U")
	_ = m.Join(ctx, u, "g1")
	_ = m.Join(ctx, u, "g2")

	m.Disconnect(u)
	if len(m.ActiveGroups()) != 0 {
		t.Fatalf("expected all groups removed, got %v", m.ActiveGroups())
	}

	// Second disconnect is a no-op.
	m.Disconnect(u)
}
