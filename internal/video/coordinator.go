package video

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

// Participant roles within a room.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// Coordinator keeps the in-memory roster for every live video room and
// relays WebRTC signaling between participants. Media bytes never touch this
// process; only session-setup metadata flows through here.
type Coordinator struct {
	log      *zerolog.Logger
	rooms    store.RoomStore
	capacity int
	grace    time.Duration

	mu     sync.Mutex
	active map[string]*room
}

// room serializes all mutation and fan-out for one video room.
type room struct {
	code   string
	hostID string

	mu           sync.Mutex
	status       string
	recording    bool
	participants map[string]*participant
	grace        core.GraceTimer
	dead         bool
}

type participant struct {
	conn     *core.Conn
	userID   string
	name     string
	peerID   string
	role     string
	joinedAt time.Time
	info     proto.ConnectionInfo
}

// NewCoordinator builds a video room coordinator.
func NewCoordinator(rooms store.RoomStore, capacity int, grace time.Duration, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:      logger,
		rooms:    rooms,
		capacity: capacity,
		grace:    grace,
		active:   make(map[string]*room),
	}
}

// Authenticate attaches the already-resolved identity's target room to the
// connection and confirms to the sender. Identity resolution itself happens
// in the dispatcher via the resolver; by the time this runs the credential
// has been verified.
func (c *Coordinator) Authenticate(conn *core.Conn, roomCode string) *core.Error {
	ident := conn.Identity()
	if ident == nil {
		return core.NewError(core.CodeNotAuthenticated, "credential was not resolved")
	}
	conn.SetVideoAuth(roomCode)
	conn.Send(proto.AuthenticationResult{
		Type:     proto.TypeAuthenticationResult,
		RoomCode: roomCode,
		UserID:   ident.ID,
		Role:     ident.Role,
	})
	return nil
}

// Join enters a room that exists in the store. The joiner becomes host iff
// their identity matches the room's recorded host and no host is currently
// present; a host joining a waiting room activates it. Replies to the joiner
// with the full roster and broadcasts participant_joined to the rest.
func (c *Coordinator) Join(ctx context.Context, conn *core.Conn, roomCode, peerID string) *core.Error {
	ident := conn.Identity()
	if ident == nil {
		return core.NewError(core.CodeNotAuthenticated, "authenticate before joining")
	}
	// An identity resolved elsewhere (chat join) is not enough: the
	// authenticate step must have named this room.
	if conn.VideoAuth() != roomCode {
		return core.NewError(core.CodeNotAuthenticated, "authenticate for this room before joining")
	}
	if conn.VideoRoom() != "" {
		return core.NewError(core.CodeAuthorization, "already in a video room")
	}

	rec, err := c.rooms.GetVideoRoom(ctx, roomCode)
	if errors.Is(err, store.ErrNotFound) {
		return core.NewError(core.CodeNotFound, "no such video room")
	}
	if err != nil {
		c.log.Error().Err(err).Str("room", roomCode).Msg("failed to look up video room")
		return core.NewError(core.CodeInternal, "failed to look up room")
	}
	if rec.Status == store.RoomStatusEnded {
		return core.NewError(core.CodeNotFound, "room has ended")
	}

	r := c.getOrCreate(rec)

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return c.Join(ctx, conn, roomCode, peerID)
	}
	if len(r.participants) >= c.capacity {
		r.mu.Unlock()
		return core.NewError(core.CodeRoomFull, "room is at capacity")
	}

	// A rejoin within the grace window cancels the pending teardown.
	r.grace.Stop()

	// A stale connection under the same identity is replaced, not duplicated.
	if old, ok := r.participants[ident.ID]; ok {
		old.conn.SetVideoRoom("")
		delete(r.participants, ident.ID)
	}

	role := RoleParticipant
	if ident.ID == r.hostID && !r.hostPresentLocked() {
		role = RoleHost
	}

	statusChanged := false
	if role == RoleHost && r.status == store.RoomStatusWaiting {
		r.status = store.RoomStatusActive
		statusChanged = true
	}

	p := &participant{
		conn:     conn,
		userID:   ident.ID,
		name:     ident.DisplayName,
		peerID:   peerID,
		role:     role,
		joinedAt: time.Now(),
		info:     proto.ConnectionInfo{Video: true, Audio: true},
	}
	r.participants[ident.ID] = p
	conn.SetVideoRoom(roomCode)

	roster := make([]proto.ParticipantOut, 0, len(r.participants))
	for _, rp := range r.participants {
		roster = append(roster, participantOut(rp))
	}
	joined := proto.ParticipantJoinedOut{
		Type:        proto.TypeParticipantJoined,
		RoomCode:    roomCode,
		Participant: participantOut(p),
	}
	for _, rp := range r.participants {
		if rp.userID == ident.ID {
			continue
		}
		rp.conn.Send(joined)
	}
	status := r.status
	recording := r.recording
	r.mu.Unlock()

	if statusChanged {
		if err := c.rooms.UpdateVideoRoomStatus(ctx, roomCode, store.RoomStatusActive); err != nil {
			c.log.Error().Err(err).Str("room", roomCode).Msg("failed to persist room activation")
		}
	}

	conn.Send(proto.RoomJoinedOut{
		Type:         proto.TypeRoomJoined,
		RoomCode:     roomCode,
		Status:       status,
		Role:         role,
		Recording:    recording,
		Participants: roster,
	})

	c.log.Debug().Str("room", roomCode).Str("user", ident.ID).Str("role", role).Msg("video room join")
	return nil
}

// Signal relays session-setup metadata to one participant in the sender's
// room. An absent target is silently dropped: relay is at-most-once and
// fire-and-forget by contract, the caller retries once the target reconnects.
func (c *Coordinator) Signal(conn *core.Conn, sig proto.WebRTCSignal) *core.Error {
	ident := conn.Identity()
	if ident == nil {
		return core.NewError(core.CodeNotAuthenticated, "authenticate before signaling")
	}
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	r.mu.Lock()
	target, ok := r.participants[sig.TargetID]
	var out proto.WebRTCSignalOut
	if ok {
		out = proto.WebRTCSignalOut{
			Type:     proto.TypeWebRTCSignal,
			RoomCode: r.code,
			FromID:   p.userID,
			FromPeer: p.peerID,
			Signal:   sig.Signal,
		}
	}
	r.mu.Unlock()

	if ok {
		target.conn.Send(out)
	}
	return nil
}

// RoomChat fans an in-room chat line out to every participant, sender
// included. Room chat is ephemeral; nothing is persisted.
func (c *Coordinator) RoomChat(conn *core.Conn, message string) *core.Error {
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	out := proto.VideoRoomChatOut{
		Type:       proto.TypeVideoRoomChat,
		RoomCode:   r.code,
		SenderID:   p.userID,
		SenderName: p.name,
		Message:    message,
		Timestamp:  time.Now().Unix(),
	}
	r.mu.Lock()
	for _, rp := range r.participants {
		rp.conn.Send(out)
	}
	r.mu.Unlock()
	return nil
}

// UpdateInfo merges partial connection-info fields and broadcasts the merged
// state to the rest of the room.
func (c *Coordinator) UpdateInfo(conn *core.Conn, upd proto.ParticipantUpdate) *core.Error {
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	r.mu.Lock()
	if upd.Video != nil {
		p.info.Video = *upd.Video
	}
	if upd.Audio != nil {
		p.info.Audio = *upd.Audio
	}
	if upd.ScreenShare != nil {
		p.info.ScreenShare = *upd.ScreenShare
	}
	if upd.HandRaised != nil {
		p.info.HandRaised = *upd.HandRaised
	}
	out := proto.ParticipantUpdatedOut{
		Type:     proto.TypeParticipantUpdated,
		RoomCode: r.code,
		UserID:   p.userID,
		Info:     p.info,
	}
	c.broadcastExceptLocked(r, p.userID, out)
	r.mu.Unlock()
	return nil
}

// SetScreenShare toggles screen sharing and tells the rest of the room.
func (c *Coordinator) SetScreenShare(conn *core.Conn, active bool) *core.Error {
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	r.mu.Lock()
	p.info.ScreenShare = active
	c.broadcastExceptLocked(r, p.userID, proto.ScreenShareOut{
		Type:     proto.TypeScreenShare,
		RoomCode: r.code,
		UserID:   p.userID,
		Active:   active,
	})
	r.mu.Unlock()
	return nil
}

// SetHandRaised toggles the hand-raise flag and tells the rest of the room.
func (c *Coordinator) SetHandRaised(conn *core.Conn, raised bool) *core.Error {
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	r.mu.Lock()
	p.info.HandRaised = raised
	c.broadcastExceptLocked(r, p.userID, proto.RaiseHandOut{
		Type:     proto.TypeRaiseHand,
		RoomCode: r.code,
		UserID:   p.userID,
		Raised:   raised,
	})
	r.mu.Unlock()
	return nil
}

// ToggleRecording flips the room recording flag. Host only; everyone else
// receives authorization_error and the flag is unchanged.
func (c *Coordinator) ToggleRecording(conn *core.Conn, recording bool) *core.Error {
	r, p := c.lookup(conn)
	if r == nil {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}

	r.mu.Lock()
	if p.role != RoleHost {
		r.mu.Unlock()
		return core.NewError(core.CodeAuthorization, "only the host may toggle recording")
	}
	r.recording = recording
	out := proto.RecordingUpdateOut{
		Type:      proto.TypeRecordingUpdate,
		RoomCode:  r.code,
		Recording: recording,
		ByUserID:  p.userID,
	}
	for _, rp := range r.participants {
		rp.conn.Send(out)
	}
	r.mu.Unlock()
	return nil
}

// Recording reports the room's current recording flag.
func (c *Coordinator) Recording(roomCode string) bool {
	r := c.get(roomCode)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Leave removes the participant. A departing host ends the room for
// everyone: remaining participants receive participant_left followed by the
// room-teardown notice, and the persisted record moves to ended.
func (c *Coordinator) Leave(ctx context.Context, conn *core.Conn) *core.Error {
	if conn.VideoRoom() == "" {
		return core.NewError(core.CodeNotFound, "not in a video room")
	}
	c.leave(ctx, conn)
	return nil
}

// Disconnect is the registry cleanup hook: a no-op when the connection holds
// no room membership.
func (c *Coordinator) Disconnect(conn *core.Conn) {
	if conn.VideoRoom() == "" {
		return
	}
	c.leave(context.Background(), conn)
}

// ActiveRooms returns the codes of rooms currently held in memory.
func (c *Coordinator) ActiveRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]string, 0, len(c.active))
	for code := range c.active {
		codes = append(codes, code)
	}
	return codes
}

func (c *Coordinator) leave(ctx context.Context, conn *core.Conn) {
	code := conn.VideoRoom()
	conn.SetVideoRoom("")

	r := c.get(code)
	if r == nil {
		return
	}

	r.mu.Lock()
	var p *participant
	for _, rp := range r.participants {
		if rp.conn.Handle() == conn.Handle() {
			p = rp
			break
		}
	}
	if p == nil {
		r.mu.Unlock()
		return
	}
	delete(r.participants, p.userID)

	left := proto.ParticipantLeftOut{
		Type:     proto.TypeParticipantLeft,
		RoomCode: code,
		UserID:   p.userID,
		PeerID:   p.peerID,
	}

	if p.role == RoleHost {
		// Host departure ends the room for everyone.
		r.status = store.RoomStatusEnded
		r.dead = true
		ended := proto.VideoRoomEndedOut{Type: proto.TypeVideoRoomEnded, RoomCode: code}
		for _, rp := range r.participants {
			rp.conn.Send(left)
			rp.conn.Send(ended)
			rp.conn.SetVideoRoom("")
		}
		r.participants = make(map[string]*participant)
		r.mu.Unlock()

		c.remove(code, r)
		if err := c.rooms.UpdateVideoRoomStatus(ctx, code, store.RoomStatusEnded); err != nil {
			c.log.Error().Err(err).Str("room", code).Msg("failed to persist room end")
		}
		c.log.Debug().Str("room", code).Msg("video room ended by host leave")
		return
	}

	for _, rp := range r.participants {
		rp.conn.Send(left)
	}
	if len(r.participants) == 0 {
		// Everyone left without an explicit host-leave: the orphaned room is
		// garbage-collected after the grace window.
		r.grace.Start(c.grace, func() { c.reapIfEmpty(code, r) })
	}
	r.mu.Unlock()

	c.log.Debug().Str("room", code).Str("user", p.userID).Msg("video room leave")
}

func (c *Coordinator) reapIfEmpty(code string, r *room) {
	r.mu.Lock()
	if len(r.participants) != 0 || r.dead {
		r.mu.Unlock()
		return
	}
	r.dead = true
	r.mu.Unlock()

	c.remove(code, r)
	c.log.Debug().Str("room", code).Msg("orphaned video room reclaimed")
}

func (c *Coordinator) broadcastExceptLocked(r *room, exceptUserID string, frame any) {
	for _, rp := range r.participants {
		if rp.userID == exceptUserID {
			continue
		}
		rp.conn.Send(frame)
	}
}

func (r *room) hostPresentLocked() bool {
	for _, p := range r.participants {
		if p.role == RoleHost {
			return true
		}
	}
	return false
}

func (c *Coordinator) lookup(conn *core.Conn) (*room, *participant) {
	code := conn.VideoRoom()
	if code == "" {
		return nil, nil
	}
	r := c.get(code)
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.conn.Handle() == conn.Handle() {
			return r, p
		}
	}
	return nil, nil
}

func (c *Coordinator) get(code string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[code]
}

func (c *Coordinator) getOrCreate(rec *store.VideoRoom) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[rec.Code]
	if !ok {
		r = &room{
			code:         rec.Code,
			hostID:       rec.HostID,
			status:       rec.Status,
			participants: make(map[string]*participant),
		}
		c.active[rec.Code] = r
		metrics.VideoRoomsActive.Inc()
	}
	return r
}

func (c *Coordinator) remove(code string, r *room) {
	r.grace.Stop()
	c.mu.Lock()
	if c.active[code] == r {
		delete(c.active, code)
		metrics.VideoRoomsActive.Dec()
	}
	c.mu.Unlock()
}

func participantOut(p *participant) proto.ParticipantOut {
	return proto.ParticipantOut{
		UserID:      p.userID,
		DisplayName: p.name,
		PeerID:      p.peerID,
		Role:        p.role,
		Info:        p.info,
	}
}
