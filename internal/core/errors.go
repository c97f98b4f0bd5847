package core

// Error codes reported back to the originating connection. No error in this
// layer is ever fatal to the process or to another connection's session.
const (
	// Protocol errors: malformed or unrecognized frames.
	CodeInvalidFormat = "invalid_format"
	CodeUnknownType   = "unknown_type"

	// A privileged operation was attempted before identity resolution.
	CodeNotAuthenticated = "not_authenticated"

	// Valid identity, insufficient privilege.
	CodeAuthorization = "authorization_error"

	// Target group, room, or session does not exist.
	CodeNotFound = "not_found"

	// Valid identity that is not on the referenced group's roster.
	// Distinct from not_found so clients can tell retryable states apart.
	CodeNotAMember = "not_a_member"

	// Room participant capacity reached.
	CodeRoomFull = "room_full"

	// The backing store failed; the operation was not applied.
	CodeInternal = "internal_error"
)

// Error wraps a code and human-readable message for sender-only delivery.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a domain error with the given code.
func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}
