package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnknownOp       = "E_UNKNOWN_OP"

	// Scene state.
	ErrNotFound      = "E_NOT_FOUND"
	ErrInvalidHandle = "E_INVALID_HANDLE"
	ErrBadParam      = "E_BAD_PARAM"
	ErrNoScript      = "E_NO_SCRIPT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnknownOp:       {},
	ErrNotFound:        {},
	ErrInvalidHandle:   {},
	ErrBadParam:        {},
	ErrNoScript:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
