package session

// WebSocket close codes sent by the server.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseTryAgainLater = 1013

	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
	CloseChatIdle     = 4408
	CloseInboxIdle    = 4409
	ClosePresenceIdle = 4410
	CloseRateLimited  = 4429
)

var closeReasons = map[int]string{
	CloseGoingAway:     "server shutting down",
	CloseTryAgainLater: "try again later",
	CloseUnauthorized:  "unauthorized",
	CloseForbidden:     "forbidden",
	CloseNotFound:      "not found",
	CloseChatIdle:      "idle",
	CloseInboxIdle:     "idle",
	ClosePresenceIdle:  "idle",
	CloseRateLimited:   "too many connections",
}

// CloseReason is the text sent with code.
func CloseReason(code int) string {
	return closeReasons[code]
}

// IsGraceful reports whether a peer closed deliberately rather than
// dropping.
func IsGraceful(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}
