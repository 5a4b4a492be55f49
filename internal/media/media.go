// Package media turns stored profile image references into URLs clients
// can load.
package media

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultMediaURL is the path prefix used when none is configured.
const DefaultMediaURL = "/media/"

// Builder resolves image references against a media prefix and either a
// configured public base URL or the requesting host.
type Builder struct {
	mediaURL string
	base     *url.URL
}

// NewBuilder normalizes mediaURL to "/prefix/" and parses publicBaseURL,
// which may be empty.
func NewBuilder(mediaURL, publicBaseURL string) (*Builder, error) {
	if mediaURL == "" {
		mediaURL = DefaultMediaURL
	}
	if !strings.HasPrefix(mediaURL, "/") {
		mediaURL = "/" + mediaURL
	}
	if !strings.HasSuffix(mediaURL, "/") {
		mediaURL += "/"
	}

	b := &Builder{mediaURL: mediaURL}
	if publicBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(publicBaseURL, "/"))
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("public base URL %q must be absolute", publicBaseURL)
		}
		b.base = base
	}
	return b, nil
}

// URL resolves ref for a client of r. forwarded allows X-Forwarded-Proto to
// choose the scheme and should only be set for trusted proxies. An empty
// ref yields nil.
func (b *Builder) URL(ref string, r *http.Request, forwarded bool) *string {
	if ref == "" {
		return nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return &ref
	}

	path := ref
	if !strings.HasPrefix(path, "/") {
		path = b.mediaURL + ref
	}

	var resolved string
	switch {
	case b.base != nil:
		resolved = b.base.Scheme + "://" + b.base.Host + b.base.Path + path
	case r != nil && r.Host != "":
		resolved = requestScheme(r, forwarded) + "://" + r.Host + path
	default:
		resolved = path
	}
	return &resolved
}

// ForRequest binds URL to one request.
func (b *Builder) ForRequest(r *http.Request, forwarded bool) func(ref string) *string {
	return func(ref string) *string {
		return b.URL(ref, r, forwarded)
	}
}

func requestScheme(r *http.Request, forwarded bool) string {
	if forwarded {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]))
		switch proto {
		case "https", "wss":
			return "https"
		case "http", "ws":
			return "http"
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
