package interfaces

// Connection is a duplex client channel. WriteJSON must be safe for
// concurrent use; ReadFrame is called from a single reader goroutine.
type Connection interface {
	ID() string
	WriteJSON(v any) error
	ReadFrame() ([]byte, error)

	// CloseWithCode sends a close frame carrying code before tearing down.
	CloseWithCode(code int, reason string) error
	Close() error
}
