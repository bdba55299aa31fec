package api

import (
	"fmt"
	"net/url"
	"strings"
)

// URL represents an API request URL, built up fluently one component at a
// time.
type URL struct {
	scheme string
	host   string
	path   string
	query  url.Values
}

// NewURL returns an empty URL, ready for its path and query to be set.
func NewURL() *URL {
	return &URL{query: url.Values{}}
}

// Path sets the URL's path from parts, replacing any earlier path, and
// escapes each part individually so that a part containing a "/" does not
// introduce an extra path boundary.
func (u *URL) Path(parts ...string) *URL {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}

	u.path = "/" + strings.Join(escaped, "/")

	return u
}

// Project sets the "project" query parameter, used to scope a request to a
// single SDN zone.
func (u *URL) Project(project string) *URL {
	if project != "" && project != "default" {
		u.query.Set("project", project)
	}

	return u
}

// Target sets the "target" query parameter, used to scope a request to a
// single cluster member.
func (u *URL) Target(target string) *URL {
	if target != "" {
		u.query.Set("target", target)
	}

	return u
}

// Host sets the URL's host, switching the result to a host-relative form.
func (u *URL) Host(host string) *URL {
	u.host = host
	return u
}

// Scheme sets the URL's scheme, switching the result to an absolute form.
func (u *URL) Scheme(scheme string) *URL {
	u.scheme = scheme
	return u
}

// String renders the URL, matching fmt.Stringer so it can be passed
// directly to fmt.Println and friends.
func (u *URL) String() string {
	var b strings.Builder

	if u.scheme != "" {
		b.WriteString(u.scheme)
		b.WriteString("://")
		b.WriteString(u.host)
	} else if u.host != "" {
		b.WriteString("//")
		b.WriteString(u.host)
	}

	b.WriteString(u.path)

	if len(u.query) > 0 {
		b.WriteString("?")
		b.WriteString(u.query.Encode())
	}

	return b.String()
}

// MarshalText implements encoding.TextMarshaler so a URL can be embedded in
// JSON event payloads.
func (u *URL) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

var _ fmt.Stringer = (*URL)(nil)
