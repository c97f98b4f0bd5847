package http

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/chat"
	"github.com/skillbridge/realtime-server/internal/collab"
	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/proto"
	"github.com/skillbridge/realtime-server/internal/store"
	"github.com/skillbridge/realtime-server/internal/store/sqlite"
	"github.com/skillbridge/realtime-server/internal/video"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type testRig struct {
	dispatcher *Dispatcher
	registry   *core.Registry
	jwt        *auth.JWTConfig
	st         *sqlite.SQLiteStore
}

// newTestRig wires a dispatcher over real managers and an in-memory store,
// seeded with one learner in group "g" who also hosts room "ROOM1234".
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateUser(ctx, "u1", "Alice", store.RoleLearner); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := st.CreateGroup(ctx, "g", "u1"); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if err := st.AddGroupMember(ctx, "g", "u1"); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	if _, err := st.CreateVideoRoom(ctx, "ROOM1234", "Office Hours", "u1"); err != nil {
		t.Fatalf("seed room: %v", err)
	}

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "skillbridge",
		Audience: "realtime",
		TTL:      time.Hour,
	}
	dispatcher := NewDispatcher(
		auth.NewResolver(jwtCfg, st),
		chat.NewManager(st, 50, testLogger()),
		video.NewCoordinator(st, 12, time.Minute, testLogger()),
		collab.NewManager(st, time.Minute, 100, testLogger()),
		testLogger(),
	)
	return &testRig{
		dispatcher: dispatcher,
		registry:   core.NewRegistry(testLogger(), 16),
		jwt:        jwtCfg,
		st:         st,
	}
}

func (rig *testRig) token(t *testing.T) string {
	t.Helper()
	return rig.tokenFor(t, "u1", "Alice")
}

func (rig *testRig) tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.GenerateToken(rig.jwt, userID, name, store.RoleLearner)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func nextFrame(t *testing.T, conn *core.Conn) any {
	t.Helper()
	select {
	case f := <-conn.Outbound():
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func expectError(t *testing.T, conn *core.Conn, code string) {
	t.Helper()
	frame, ok := nextFrame(t, conn).(proto.ErrorFrame)
	if !ok {
		t.Fatalf("expected error frame, got %#v", frame)
	}
	if frame.Code != code {
		t.Fatalf("error code = %q, want %q", frame.Code, code)
	}
}

func TestDispatchMalformedFrame(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.registry.Register()

	rig.dispatcher.Dispatch(context.Background(), conn, []byte("{not json"))
	expectError(t, conn, core.CodeInvalidFormat)
}

func TestDispatchUnknownType(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.registry.Register()

	rig.dispatcher.Dispatch(context.Background(), conn, []byte(`{"type":"teleport"}`))
	expectError(t, conn, core.CodeUnknownType)
}

func TestDispatchJoinWithTokenResolvesIdentity(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.registry.Register()

	frame := `{"type":"join","group":"g","token":"` + rig.token(t) + `"}`
	rig.dispatcher.Dispatch(context.Background(), conn, []byte(frame))

	if ident := conn.Identity(); ident == nil || ident.ID != "u1" {
		t.Fatalf("identity not resolved: %#v", ident)
	}
	history, ok := nextFrame(t, conn).(proto.ChatHistoryOut)
	if !ok || history.Group != "g" {
		t.Fatalf("expected chat_history for g, got %#v", history)
	}
}

func TestDispatchRejectsGarbageToken(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.registry.Register()

	rig.dispatcher.Dispatch(context.Background(), conn, []byte(`{"type":"join","group":"g","token":"garbage"}`))
	expectError(t, conn, auth.CodeTokenInvalid)
	if conn.Identity() != nil {
		t.Error("garbage token must not set an identity")
	}
	if len(conn.ChatGroups()) != 0 {
		t.Error("failed auth must abort the join")
	}
}

func TestDispatchDefaultChatPostPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	conn := rig.registry.Register()

	join := `{"type":"join","group":"g","token":"` + rig.token(t) + `"}`
	rig.dispatcher.Dispatch(ctx, conn, []byte(join))
	nextFrame(t, conn) // chat_history

	rig.dispatcher.Dispatch(ctx, conn, []byte(`{"group":"g","message":"hi","messageType":"text"}`))
	msg, ok := nextFrame(t, conn).(proto.ChatMessageOut)
	if !ok {
		t.Fatal("expected chat_message")
	}
	if msg.Message != "hi" || msg.SenderID != "u1" {
		t.Fatalf("unexpected chat_message: %#v", msg)
	}
}

func TestDispatchPollVoteWithoutMessageBody(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	conn := rig.registry.Register()

	join := `{"type":"join","group":"g","token":"` + rig.token(t) + `"}`
	rig.dispatcher.Dispatch(ctx, conn, []byte(join))
	nextFrame(t, conn) // chat_history

	// The poll being voted on must exist for the vote upsert to land.
	poll := &store.Message{
		ID: "poll1", Group: "g", SenderID: "u1", SenderName: "Alice",
		Kind: store.MessageKindText, Body: "which day?", CreatedAt: time.Now().UTC(),
	}
	if err := rig.st.SaveMessage(ctx, poll); err != nil {
		t.Fatalf("save poll: %v", err)
	}

	// Votes carry no message text; messageType alone routes them to chat.
	vote := `{"group":"g","messageType":"poll_vote","pollMessageId":"poll1","pollOption":"monday"}`
	rig.dispatcher.Dispatch(ctx, conn, []byte(vote))

	msg, ok := nextFrame(t, conn).(proto.ChatMessageOut)
	if !ok {
		t.Fatal("expected chat_message fan-out for the vote")
	}
	if msg.MessageType != store.MessageKindPollVote || msg.SenderID != "u1" {
		t.Fatalf("unexpected vote fan-out: %#v", msg)
	}
}

func TestDispatchTypelessFrameWithoutChatFields(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.registry.Register()

	rig.dispatcher.Dispatch(context.Background(), conn, []byte(`{"group":"g"}`))
	expectError(t, conn, core.CodeUnknownType)
}

func TestDispatchVideoAuthenticateAndJoin(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	conn := rig.registry.Register()

	authFrame := `{"type":"authenticate_video_room","roomCode":"ROOM1234","token":"` + rig.token(t) + `"}`
	rig.dispatcher.Dispatch(ctx, conn, []byte(authFrame))
	result, ok := nextFrame(t, conn).(proto.AuthenticationResult)
	if !ok || result.RoomCode != "ROOM1234" || result.UserID != "u1" {
		t.Fatalf("unexpected authentication_result: %#v", result)
	}

	rig.dispatcher.Dispatch(ctx, conn, []byte(`{"type":"join_video_room","roomCode":"ROOM1234","peerId":"peer-1"}`))
	joined, ok := nextFrame(t, conn).(proto.RoomJoinedOut)
	if !ok {
		t.Fatalf("expected room_joined, got %#v", joined)
	}
}

func TestDispatchManagerErrorsReachSenderOnly(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	bystander := rig.registry.Register()
	conn := rig.registry.Register()

	// Posting without a prior join is rejected with a sender-only error.
	join := `{"type":"join","group":"g","token":"` + rig.token(t) + `"}`
	rig.dispatcher.Dispatch(ctx, conn, []byte(join))
	nextFrame(t, conn) // chat_history
	rig.dispatcher.Dispatch(ctx, conn, []byte(`{"group":"other","message":"hi"}`))
	expectError(t, conn, core.CodeNotFound)

	select {
	case f := <-bystander.Outbound():
		t.Fatalf("bystander received frame: %#v", f)
	case <-time.After(20 * time.Millisecond):
	}
}
