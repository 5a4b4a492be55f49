package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// UpgraderOptions configures the HTTP upgrade.
type UpgraderOptions struct {
	// AllowedOrigins lists accepted Origin values. "*" accepts any origin;
	// an empty list accepts only same-host requests.
	AllowedOrigins   []string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

// NewUpgrader builds a gorilla upgrader with the configured origin policy.
func NewUpgrader(opts UpgraderOptions) *websocket.Upgrader {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &websocket.Upgrader{
		ReadBufferSize:   opts.ReadBufferSize,
		WriteBufferSize:  opts.WriteBufferSize,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      OriginChecker(opts.AllowedOrigins),
	}
}

// OriginChecker returns a CheckOrigin func for allowed. Requests without
// an Origin header come from non-browser clients and are accepted.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimSuffix(origin, "/"))] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(set) > 0 {
			return set[strings.ToLower(origin)]
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
