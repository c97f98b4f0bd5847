package video

import (
	"context"
	"encoding/json"
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

func newTestCoordinator(t *testing.T, capacity int, grace time.Duration) (*Coordinator, *core.Registry, *sqlite.SQLiteStore) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "host1", "Helen", store.RoleMentor); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if _, err := st.CreateUser(ctx, "p1", "Pat", store.RoleLearner); err != nil {
		t.Fatalf("create participant: %v", err)
	}
	if _, err := st.CreateVideoRoom(ctx, "ABCD1234", "Weekly sync", "host1"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	reg := core.NewRegistry(testLogger(), 64)
	return NewCoordinator(st, capacity, grace, testLogger()), reg, st
}

func identified(reg *core.Registry, id, name, role string) *core.Conn {
	conn := reg.Register()
	conn.SetIdentity(&auth.Identity{ID: id, DisplayName: name, Role: role})
	return conn
}

// authedFor marks the connection as authenticated for the room, the state
// Authenticate leaves behind.
func authedFor(reg *core.Registry, id, name, role, roomCode string) *core.Conn {
	conn := identified(reg, id, name, role)
	conn.SetVideoAuth(roomCode)
	return conn
}

func nextFrame(t *testing.T, conn *core.Conn, frameType string) any {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-conn.Outbound():
			if typed, ok := frameTypeOf(frame); ok && typed == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("frame %q not received", frameType)
		}
	}
}

func frameTypeOf(frame any) (string, bool) {
	switch f := frame.(type) {
	case proto.AuthenticationResult:
		return f.Type, true
	case proto.RoomJoinedOut:
		return f.Type, true
	case proto.ParticipantJoinedOut:
		return f.Type, true
	case proto.ParticipantLeftOut:
		return f.Type, true
	case proto.ParticipantUpdatedOut:
		return f.Type, true
	case proto.VideoRoomChatOut:
		return f.Type, true
	case proto.ScreenShareOut:
		return f.Type, true
	case proto.RecordingUpdateOut:
		return f.Type, true
	case proto.RaiseHandOut:
		return f.Type, true
	case proto.VideoRoomEndedOut:
		return f.Type, true
	case proto.WebRTCSignalOut:
		return f.Type, true
	}
	return "", false
}

func TestHostJoinActivatesRoomAndAssignsHostRole(t *testing.T) {
	c, reg, st := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := identified(reg, "host1", "Helen", auth.RoleMentor)
	if err := c.Authenticate(host, "ABCD1234"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	result := nextFrame(t, host, proto.TypeAuthenticationResult).(proto.AuthenticationResult)
	if result.UserID != "host1" || result.RoomCode != "ABCD1234" {
		t.Fatalf("unexpected authentication_result: %+v", result)
	}

	if err := c.Join(ctx, host, "ABCD1234", "peer-h"); err != nil {
		t.Fatalf("host join: %v", err)
	}

	joined := nextFrame(t, host, proto.TypeRoomJoined).(proto.RoomJoinedOut)
	if joined.Role != RoleHost {
		t.Fatalf("expected host role, got %q", joined.Role)
	}
	if joined.Status != store.RoomStatusActive {
		t.Fatalf("expected active status after host join, got %q", joined.Status)
	}

	rec, err := st.GetVideoRoom(ctx, "ABCD1234")
	if err != nil || rec.Status != store.RoomStatusActive {
		t.Fatalf("expected persisted active status, got %+v (%v)", rec, err)
	}
}

func TestParticipantJoinBroadcastAndHostLeaveCascade(t *testing.T) {
	c, reg, st := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ABCD1234")
	part := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")

	if err := c.Join(ctx, host, "ABCD1234", "peer-h"); err != nil {
		t.Fatalf("host join: %v", err)
	}
	nextFrame(t, host, proto.TypeRoomJoined)

	if err := c.Join(ctx, part, "ABCD1234", "peer-p"); err != nil {
		t.Fatalf("participant join: %v", err)
	}
	pj := nextFrame(t, host, proto.TypeParticipantJoined).(proto.ParticipantJoinedOut)
	if pj.Participant.PeerID != "peer-p" || pj.Participant.Role != RoleParticipant {
		t.Fatalf("unexpected participant_joined: %+v", pj)
	}

	roster := nextFrame(t, part, proto.TypeRoomJoined).(proto.RoomJoinedOut)
	if len(roster.Participants) != 2 {
		t.Fatalf("expected 2 roster entries, got %d", len(roster.Participants))
	}

	// Host leaves: remaining participant sees participant_left then the
	// teardown notice, and the persisted room ends.
	if err := c.Leave(ctx, host); err != nil {
		t.Fatalf("host leave: %v", err)
	}
	nextFrame(t, part, proto.TypeParticipantLeft)
	nextFrame(t, part, proto.TypeVideoRoomEnded)

	rec, err := st.GetVideoRoom(ctx, "ABCD1234")
	if err != nil || rec.Status != store.RoomStatusEnded {
		t.Fatalf("expected ended status, got %+v (%v)", rec, err)
	}
	if part.VideoRoom() != "" {
		t.Fatalf("participant membership should be cleared on room end")
	}
	if len(c.ActiveRooms()) != 0 {
		t.Fatalf("ended room must leave memory, got %v", c.ActiveRooms())
	}
}

func TestJoinRequiresAuthentication(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)

	anon := reg.Register()
	err := c.Join(context.Background(), anon, "ABCD1234", "peer-x")
	if err == nil || err.Code != core.CodeNotAuthenticated {
		t.Fatalf("expected not_authenticated, got %v", err)
	}
}

func TestJoinRequiresAuthenticationForTargetRoom(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	// An identity resolved through another frame (a chat join token) is not
	// enough: the room was never named in an authenticate step.
	chatOnly := identified(reg, "p1", "Pat", auth.RoleLearner)
	err := c.Join(ctx, chatOnly, "ABCD1234", "peer-x")
	if err == nil || err.Code != core.CodeNotAuthenticated {
		t.Fatalf("expected not_authenticated without room auth, got %v", err)
	}

	// Authentication for a different room does not transfer.
	wrongRoom := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ZZZZ9999")
	err = c.Join(ctx, wrongRoom, "ABCD1234", "peer-y")
	if err == nil || err.Code != core.CodeNotAuthenticated {
		t.Fatalf("expected not_authenticated for mismatched room auth, got %v", err)
	}

	// Authenticating for the target room unblocks the join.
	if err := c.Authenticate(chatOnly, "ABCD1234"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := c.Join(ctx, chatOnly, "ABCD1234", "peer-x"); err != nil {
		t.Fatalf("join after authenticate: %v", err)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)

	u := authedFor(reg, "p1", "Pat", auth.RoleLearner, "NOPE")
	err := c.Join(context.Background(), u, "NOPE", "peer-x")
	if err == nil || err.Code != core.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestJoinCapacityRejection(t *testing.T) {
	c, reg, st := newTestCoordinator(t, 1, time.Minute)
	ctx := context.Background()

	if _, err := st.CreateUser(ctx, "p2", "Quinn", store.RoleLearner); err != nil {
		t.Fatalf("create user: %v", err)
	}

	first := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	if err := c.Join(ctx, first, "ABCD1234", "peer-1"); err != nil {
		t.Fatalf("first join: %v", err)
	}

	second := authedFor(reg, "p2", "Quinn", auth.RoleLearner, "ABCD1234")
	err := c.Join(ctx, second, "ABCD1234", "peer-2")
	if err == nil || err.Code != core.CodeRoomFull {
		t.Fatalf("expected room_full, got %v", err)
	}
}

func TestNonHostCannotToggleRecording(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ABCD1234")
	part := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	_ = c.Join(ctx, host, "ABCD1234", "peer-h")
	_ = c.Join(ctx, part, "ABCD1234", "peer-p")

	err := c.ToggleRecording(part, true)
	if err == nil || err.Code != core.CodeAuthorization {
		t.Fatalf("expected authorization_error, got %v", err)
	}
	if c.Recording("ABCD1234") {
		t.Fatalf("recording flag must be unchanged after rejected toggle")
	}

	if err := c.ToggleRecording(host, true); err != nil {
		t.Fatalf("host toggle: %v", err)
	}
	if !c.Recording("ABCD1234") {
		t.Fatalf("expected recording on after host toggle")
	}
	upd := nextFrame(t, part, proto.TypeRecordingUpdate).(proto.RecordingUpdateOut)
	if !upd.Recording || upd.ByUserID != "host1" {
		t.Fatalf("unexpected recording_update: %+v", upd)
	}
}

func TestSignalRelayAndSilentMiss(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ABCD1234")
	part := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	_ = c.Join(ctx, host, "ABCD1234", "peer-h")
	_ = c.Join(ctx, part, "ABCD1234", "peer-p")

	payload := json.RawMessage(`{"sdp":"offer"}`)
	if err := c.Signal(host, proto.WebRTCSignal{TargetID: "p1", Signal: payload}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	relayed := nextFrame(t, part, proto.TypeWebRTCSignal).(proto.WebRTCSignalOut)
	if relayed.FromID != "host1" || relayed.FromPeer != "peer-h" || string(relayed.Signal) != `{"sdp":"offer"}` {
		t.Fatalf("unexpected relayed signal: %+v", relayed)
	}

	// Absent target: silently dropped, no error to the sender.
	if err := c.Signal(host, proto.WebRTCSignal{TargetID: "ghost", Signal: payload}); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestUpdateInfoMergesPartialFields(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ABCD1234")
	part := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	_ = c.Join(ctx, host, "ABCD1234", "peer-h")
	_ = c.Join(ctx, part, "ABCD1234", "peer-p")

	off := false
	if err := c.UpdateInfo(part, proto.ParticipantUpdate{Video: &off}); err != nil {
		t.Fatalf("update info: %v", err)
	}

	upd := nextFrame(t, host, proto.TypeParticipantUpdated).(proto.ParticipantUpdatedOut)
	if upd.UserID != "p1" || upd.Info.Video {
		t.Fatalf("expected video off for p1, got %+v", upd)
	}
	if !upd.Info.Audio {
		t.Fatalf("untouched audio flag must survive the merge")
	}
}

func TestOrphanedRoomReclaimedAfterGrace(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, 30*time.Millisecond)
	ctx := context.Background()

	// Participant joins and leaves without any host ever arriving.
	part := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	if err := c.Join(ctx, part, "ABCD1234", "peer-p"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Leave(ctx, part); err != nil {
		t.Fatalf("leave: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(c.ActiveRooms()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("orphaned room was not reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh join recreates the in-memory room cleanly.
	again := authedFor(reg, "p1", "Pat", auth.RoleLearner, "ABCD1234")
	if err := c.Join(ctx, again, "ABCD1234", "peer-p2"); err != nil {
		t.Fatalf("rejoin after reap: %v", err)
	}
}

func TestDisconnectIsIdempotentCleanup(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, 12, time.Minute)
	ctx := context.Background()

	host := authedFor(reg, "host1", "Helen", auth.RoleMentor, "ABCD1234")
	_ = c.Join(ctx, host, "ABCD1234", "peer-h")

	c.Disconnect(host)
	c.Disconnect(host)

	if len(c.ActiveRooms()) != 0 {
		t.Fatalf("expected room gone after host disconnect, got %v", c.ActiveRooms())
	}
}
