package http

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/chat"
	"github.com/skillbridge/realtime-server/internal/collab"
	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/metrics"
	"github.com/skillbridge/realtime-server/internal/proto"
	"github.com/skillbridge/realtime-server/internal/video"
)

// Dispatcher routes inbound frames to the chat, video, and collab managers.
// Every error stays scoped to the offending connection: a bad frame earns a
// sender-only error frame, never a broadcast and never a closed socket.
type Dispatcher struct {
	log      *zerolog.Logger
	resolver *auth.Resolver
	chat     *chat.Manager
	video    *video.Coordinator
	collab   *collab.Manager
}

// NewDispatcher builds a frame dispatcher over the three managers.
func NewDispatcher(resolver *auth.Resolver, chatMgr *chat.Manager, videoCoord *video.Coordinator, collabMgr *collab.Manager, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      logger,
		resolver: resolver,
		chat:     chatMgr,
		video:    videoCoord,
		collab:   collabMgr,
	}
}

// Dispatch decodes the frame head, resolves identity where the frame carries
// a token, and hands the payload to the owning manager. Frames with no
// recognized type but with group and message fields take the default
// chat-post path.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *core.Conn, data []byte) {
	var head proto.Head
	if err := json.Unmarshal(data, &head); err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		conn.Send(proto.NewError(core.CodeInvalidFormat, "malformed frame"))
		return
	}

	switch head.Type {
	case proto.TypeJoin:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.JoinChat
		if !d.decode(conn, data, &p) {
			return
		}
		if p.Token != "" && !d.identify(ctx, conn, p.Token) {
			return
		}
		d.reply(conn, d.chat.Join(ctx, conn, p.Group))

	case proto.TypeLeave:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.LeaveChat
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.chat.Leave(conn, p.Group))

	case proto.TypeAuthenticateVideoRoom:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.AuthenticateVideoRoom
		if !d.decode(conn, data, &p) {
			return
		}
		if !d.identify(ctx, conn, p.Token) {
			return
		}
		d.reply(conn, d.video.Authenticate(conn, p.RoomCode))

	case proto.TypeJoinVideoRoom:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.JoinVideoRoom
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.Join(ctx, conn, p.RoomCode, p.PeerID))

	case proto.TypeLeaveVideoRoom:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		d.reply(conn, d.video.Leave(ctx, conn))

	case proto.TypeWebRTCSignal:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.WebRTCSignal
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.Signal(conn, p))

	case proto.TypeVideoRoomChat:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.VideoRoomChat
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.RoomChat(conn, p.Message))

	case proto.TypeParticipantUpdate:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.ParticipantUpdate
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.UpdateInfo(conn, p))

	case proto.TypeScreenShare:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.ScreenShare
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.SetScreenShare(conn, p.Active))

	case proto.TypeRecordingUpdate:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.RecordingUpdate
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.ToggleRecording(conn, p.Recording))

	case proto.TypeRaiseHand:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.RaiseHand
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.video.SetHandRaised(conn, p.Raised))

	case proto.TypeJoinCodeSession:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.JoinCodeSession
		if !d.decode(conn, data, &p) {
			return
		}
		if p.Token != "" && !d.identify(ctx, conn, p.Token) {
			return
		}
		d.reply(conn, d.collab.Join(ctx, conn, p.Group))

	case proto.TypeLeaveCodeSession:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.LeaveCodeSession
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.collab.Leave(conn, p.Group))

	case proto.TypeCodeUpdate:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.CodeUpdate
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.collab.Edit(conn, p))

	case proto.TypeCursorUpdate:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.CursorUpdate
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.collab.Cursor(conn, p))

	case proto.TypeCodeLanguageChange:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.CodeLanguageChange
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.collab.Language(conn, p))

	case proto.TypeCodeRunResult:
		metrics.FramesTotal.WithLabelValues(head.Type).Inc()
		var p proto.CodeRunResult
		if !d.decode(conn, data, &p) {
			return
		}
		d.reply(conn, d.collab.RunResult(conn, p))

	default:
		// Poll votes arrive with an empty message body, so messageType alone
		// also selects the chat-post path.
		if head.Group != "" && (head.Message != "" || head.MessageType != "") {
			metrics.FramesTotal.WithLabelValues("chat_post").Inc()
			var p proto.ChatPost
			if !d.decode(conn, data, &p) {
				return
			}
			d.reply(conn, d.chat.Post(ctx, conn, p))
			return
		}
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
		conn.Send(proto.NewError(core.CodeUnknownType, "unrecognized frame type"))
	}
}

// identify resolves a bearer token into the connection's identity. The first
// resolved identity sticks for the connection's lifetime.
func (d *Dispatcher) identify(ctx context.Context, conn *core.Conn, token string) bool {
	ident, err := d.resolver.Resolve(ctx, token)
	if err != nil {
		if ae, ok := auth.AsAuthError(err); ok {
			conn.Send(proto.NewError(ae.Code, ae.Message))
		} else {
			d.log.Error().Err(err).Msg("identity resolution failed")
			conn.Send(proto.NewError(core.CodeInternal, "authentication failed"))
		}
		return false
	}
	conn.SetIdentity(ident)
	return true
}

func (d *Dispatcher) decode(conn *core.Conn, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		conn.Send(proto.NewError(core.CodeInvalidFormat, "malformed frame"))
		return false
	}
	return true
}

func (d *Dispatcher) reply(conn *core.Conn, cerr *core.Error) {
	if cerr != nil {
		conn.Send(proto.NewError(cerr.Code, cerr.Message))
	}
}
