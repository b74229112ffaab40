package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Request layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrInvalidState = "E_INVALID_STATE"
	ErrRateLimit    = "E_RATE_LIMIT"

	// Simulation layer.
	ErrWorkItemFailed  = "E_WORK_ITEM_FAILED"
	ErrConfigViolation = "E_CONFIG_VIOLATION"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrInvalidState:    {},
	ErrRateLimit:       {},
	ErrWorkItemFailed:  {},
	ErrConfigViolation: {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
