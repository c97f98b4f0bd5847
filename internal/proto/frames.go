package proto

import "encoding/json"

// Every frame on the wire is a flat JSON object with a required "type"
// discriminator. Head is the probe decoded first to pick a route; the
// full payload is decoded afterwards by type. A frame with no recognized
// type but with group+message fields takes the default chat-post path.
type Head struct {
	Type        string `json:"type"`
	Group       string `json:"group"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
}

// Inbound frame types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"

	TypeAuthenticateVideoRoom = "authenticate_video_room"
	TypeJoinVideoRoom         = "join_video_room"
	TypeLeaveVideoRoom        = "leave_video_room"
	TypeWebRTCSignal          = "webrtc_signal"
	TypeVideoRoomChat         = "video_room_chat"
	TypeParticipantUpdate     = "participant_update"
	TypeScreenShare           = "screen_share"
	TypeRecordingUpdate       = "recording_update"
	TypeRaiseHand             = "raise_hand"

	TypeJoinCodeSession    = "join_code_session"
	TypeLeaveCodeSession   = "leave_code_session"
	TypeCodeUpdate         = "code_update"
	TypeCursorUpdate       = "cursor_update"
	TypeCodeLanguageChange = "code_language_change"
	TypeCodeRunResult      = "code_run_result"
)

// Outbound-only frame types.
const (
	TypeError                = "error"
	TypeChatHistory          = "chat_history"
	TypeChatMessage          = "chat_message"
	TypeRoomJoined           = "room_joined"
	TypeParticipantJoined    = "participant_joined"
	TypeParticipantLeft      = "participant_left"
	TypeParticipantUpdated   = "participant_updated"
	TypeVideoRoomEnded       = "video_room_ended"
	TypeCodeSessionJoined    = "code_session_joined"
	TypeCollaboratorJoined   = "collaborator_joined"
	TypeCollaboratorLeft     = "collaborator_left"
	TypeCodeUpdated          = "code_updated"
	TypeAuthenticationResult = "authentication_result"
)

// ==== Inbound payloads ====

// JoinChat subscribes the connection to a chat group. The optional token
// resolves identity on first contact; the transport is already open by then.
type JoinChat struct {
	Group string `json:"group"`
	Token string `json:"token,omitempty"`
}

// LeaveChat unsubscribes from a chat group.
type LeaveChat struct {
	Group string `json:"group"`
}

// ChatPost is the default chat-post path: no recognized type, but group and
// message/messageType present.
type ChatPost struct {
	Group       string `json:"group"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
	// PollMessageID and PollOption carry targeted poll_vote updates.
	PollMessageID string `json:"pollMessageId,omitempty"`
	PollOption    string `json:"pollOption,omitempty"`
}

// AuthenticateVideoRoom carries the bearer credential for a target room.
type AuthenticateVideoRoom struct {
	Token    string `json:"token"`
	RoomCode string `json:"roomCode"`
}

// JoinVideoRoom enters a room after authentication.
type JoinVideoRoom struct {
	RoomCode string `json:"roomCode"`
	PeerID   string `json:"peerId"`
}

// WebRTCSignal is relayed verbatim to the target participant.
type WebRTCSignal struct {
	TargetID string          `json:"targetId"`
	Signal   json.RawMessage `json:"signal"`
}

// VideoRoomChat is an in-room chat line, fan-out only.
type VideoRoomChat struct {
	Message string `json:"message"`
}

// ParticipantUpdate merges partial connection-info fields.
type ParticipantUpdate struct {
	Video       *bool `json:"video,omitempty"`
	Audio       *bool `json:"audio,omitempty"`
	ScreenShare *bool `json:"screenShare,omitempty"`
	HandRaised  *bool `json:"handRaised,omitempty"`
}

// ScreenShare toggles screen sharing.
type ScreenShare struct {
	Active bool `json:"active"`
}

// RecordingUpdate toggles recording; host only.
type RecordingUpdate struct {
	Recording bool `json:"recording"`
}

// RaiseHand toggles the hand-raised flag.
type RaiseHand struct {
	Raised bool `json:"raised"`
}

// JoinCodeSession attaches to (or lazily creates) a group's code session.
type JoinCodeSession struct {
	Group string `json:"group"`
	Token string `json:"token,omitempty"`
}

// LeaveCodeSession detaches from a group's code session.
type LeaveCodeSession struct {
	Group string `json:"group"`
}

// Cursor is a collaborator's caret position.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ChangeRange describes the span a full-buffer edit replaced.
type ChangeRange struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// CodeUpdate overwrites the session buffer (last-writer-wins).
type CodeUpdate struct {
	Group  string       `json:"group"`
	Code   string       `json:"code"`
	Cursor Cursor       `json:"cursor"`
	Range  *ChangeRange `json:"range,omitempty"`
}

// CursorUpdate moves the sender's caret, broadcast only.
type CursorUpdate struct {
	Group  string `json:"group"`
	Cursor Cursor `json:"cursor"`
}

// CodeLanguageChange switches the session language.
type CodeLanguageChange struct {
	Group    string `json:"group"`
	Language string `json:"language"`
}

// CodeRunResult shares a client-side run's output.
type CodeRunResult struct {
	Group  string `json:"group"`
	Output string `json:"output"`
	Errors string `json:"errors,omitempty"`
}

// ==== Outbound frames ====

// ErrorFrame is sent to the offending connection only, never broadcast.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// ChatMessageOut is one persisted (or ephemeral) chat message.
type ChatMessageOut struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Group       string `json:"group"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
}

// ChatHistoryOut delivers the recent history slice on join, oldest first.
type ChatHistoryOut struct {
	Type     string           `json:"type"`
	Group    string           `json:"group"`
	Messages []ChatMessageOut `json:"messages"`
}

// ConnectionInfo mirrors a participant's media state flags.
type ConnectionInfo struct {
	Video       bool `json:"video"`
	Audio       bool `json:"audio"`
	ScreenShare bool `json:"screenShare"`
	HandRaised  bool `json:"handRaised"`
}

// ParticipantOut describes a video room participant.
type ParticipantOut struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	PeerID      string         `json:"peerId"`
	Role        string         `json:"role"`
	Info        ConnectionInfo `json:"connectionInfo"`
}

// AuthenticationResult confirms identity resolution for a video room.
type AuthenticationResult struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// RoomJoinedOut replies to a joiner with the current roster.
type RoomJoinedOut struct {
	Type         string           `json:"type"`
	RoomCode     string           `json:"roomCode"`
	Status       string           `json:"status"`
	Role         string           `json:"role"`
	Recording    bool             `json:"recording"`
	Participants []ParticipantOut `json:"participants"`
}

// ParticipantJoinedOut notifies the rest of the room about a new participant.
type ParticipantJoinedOut struct {
	Type        string         `json:"type"`
	RoomCode    string         `json:"roomCode"`
	Participant ParticipantOut `json:"participant"`
}

// ParticipantLeftOut notifies the room a participant departed.
type ParticipantLeftOut struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	PeerID   string `json:"peerId"`
}

// ParticipantUpdatedOut propagates merged connection-info changes.
type ParticipantUpdatedOut struct {
	Type     string         `json:"type"`
	RoomCode string         `json:"roomCode"`
	UserID   string         `json:"userId"`
	Info     ConnectionInfo `json:"connectionInfo"`
}

// VideoRoomChatOut is an in-room chat line.
type VideoRoomChatOut struct {
	Type       string `json:"type"`
	RoomCode   string `json:"roomCode"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// ScreenShareOut propagates a screen-share toggle.
type ScreenShareOut struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Active   bool   `json:"active"`
}

// RecordingUpdateOut propagates the room recording flag.
type RecordingUpdateOut struct {
	Type      string `json:"type"`
	RoomCode  string `json:"roomCode"`
	Recording bool   `json:"recording"`
	ByUserID  string `json:"byUserId"`
}

// RaiseHandOut propagates a hand-raise toggle.
type RaiseHandOut struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Raised   bool   `json:"raised"`
}

// VideoRoomEndedOut tells remaining participants the room is over.
type VideoRoomEndedOut struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
}

// WebRTCSignalOut relays signaling metadata to one target connection.
type WebRTCSignalOut struct {
	Type     string          `json:"type"`
	RoomCode string          `json:"roomCode"`
	FromID   string          `json:"fromId"`
	FromPeer string          `json:"fromPeerId"`
	Signal   json.RawMessage `json:"signal"`
}

// CollaboratorOut describes one code-session collaborator.
type CollaboratorOut struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Cursor      Cursor `json:"cursor"`
	JoinedAt    int64  `json:"joinedAt"`
}

// CodeSessionJoinedOut replies to a code-session joiner with full state.
type CodeSessionJoinedOut struct {
	Type          string            `json:"type"`
	Group         string            `json:"group"`
	Code          string            `json:"code"`
	Language      string            `json:"language"`
	Created       bool              `json:"created"`
	Collaborators []CollaboratorOut `json:"collaborators"`
}

// CollaboratorJoinedOut notifies existing collaborators of an attach.
type CollaboratorJoinedOut struct {
	Type         string          `json:"type"`
	Group        string          `json:"group"`
	Collaborator CollaboratorOut `json:"collaborator"`
}

// CollaboratorLeftOut notifies collaborators of a detach.
type CollaboratorLeftOut struct {
	Type   string `json:"type"`
	Group  string `json:"group"`
	UserID string `json:"userId"`
}

// CodeUpdatedOut carries the authoritative buffer after an edit.
type CodeUpdatedOut struct {
	Type   string       `json:"type"`
	Group  string       `json:"group"`
	Code   string       `json:"code"`
	UserID string       `json:"userId"`
	Cursor Cursor       `json:"cursor"`
	Range  *ChangeRange `json:"range,omitempty"`
}

// CursorUpdateOut propagates a collaborator's caret move.
type CursorUpdateOut struct {
	Type   string `json:"type"`
	Group  string `json:"group"`
	UserID string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

// CodeLanguageChangeOut propagates a language switch.
type CodeLanguageChangeOut struct {
	Type     string `json:"type"`
	Group    string `json:"group"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

// CodeRunResultOut propagates a run's output to the session.
type CodeRunResultOut struct {
	Type   string `json:"type"`
	Group  string `json:"group"`
	UserID string `json:"userId"`
	Output string `json:"output"`
	Errors string `json:"errors,omitempty"`
}
