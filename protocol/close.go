package protocol

import "strings"

// Close codes sent by the gateway. The 44xx range mirrors HTTP status codes so
// that clients can tell credential problems from protocol problems.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseMessageTooBig    = 1009
	CloseInternalError    = 1011
	CloseMalformedRequest = 4400
	CloseUnauthenticated  = 4401
	CloseForbidden        = 4403
	CloseAuthTimeout      = 4408
	CloseSlowConsumer     = 4429
)

const (
	ReasonMissingDocument = "missing document id"
	ReasonMissingToken    = "missing token"
	ReasonUnauthorized    = "unauthorized"
	ReasonForbidden       = "forbidden"
	ReasonAuthTimeout     = "authentication timeout"
	ReasonMalformedFrame  = "malformed frame"
	ReasonSlowConsumer    = "outbound buffer overflow"
	ReasonShuttingDown    = "server shutting down"
	ReasonInternal        = "internal error"
)

type CloseClass int

const (
	CloseTransient CloseClass = iota
	CloseAuth
	CloseDenied
	CloseRejected
	CloseFinal
)

func (c CloseClass) String() string {
	switch c {
	case CloseAuth:
		return "auth"
	case CloseDenied:
		return "denied"
	case CloseRejected:
		return "rejected"
	case CloseFinal:
		return "final"
	default:
		return "transient"
	}
}

// ClassifyClose maps a close code and reason to the action a client should
// take. An oversized frame is rejected the same way on every retry, so 1009
// is terminal. Proxies and older gateways close with generic codes, so the reason
// text is consulted for credential markers as well.
func ClassifyClose(code int, reason string) CloseClass {
	switch code {
	case CloseForbidden, 4003:
		return CloseDenied
	case CloseUnauthenticated, 4001, 1008:
		return CloseAuth
	case CloseMalformedRequest, CloseMessageTooBig:
		return CloseRejected
	case CloseNormal:
		return CloseFinal
	}

	lower := strings.ToLower(reason)
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "token") || strings.Contains(lower, "forbidden") {
		return CloseAuth
	}
	return CloseTransient
}
