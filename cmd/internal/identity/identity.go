// Package identity resolves the authenticated user behind a realtime or HTTP request.
//
// The chat core trusts the resolved Identity verbatim. Token issuance here exists for
// development and smoke tests; account management lives elsewhere.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnauthorized is returned when a request carries no acceptable credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidConfig is returned for unusable resolver configuration.
	ErrInvalidConfig = errors.New("invalid identity config")
)

const (
	maxUserIDBytes      = 128
	maxDisplayNameChars = 64
)

// Identity is an authenticated user as seen by the chat core.
type Identity struct {
	ID          string
	DisplayName string
}

// Anonymous reports whether no user was resolved.
func (i Identity) Anonymous() bool { return i.ID == "" }

// Resolver authenticates an incoming request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (Identity, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(r *http.Request) (Identity, error) { return f(r) }

// OpError carries the failing operation alongside a sentinel Kind.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func unauthorized(op, msg string) error {
	return OpError{Op: op, Kind: ErrUnauthorized, Msg: msg}
}

// normalize trims and bounds an identity. An empty display name falls back to the id.
func normalize(op string, id, name string) (Identity, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)

	if id == "" {
		return Identity{}, unauthorized(op, "missing subject")
	}
	if len(id) > maxUserIDBytes {
		return Identity{}, unauthorized(op, "subject too long")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameChars {
		name = string([]rune(name)[:maxDisplayNameChars])
	}
	if name == "" {
		name = id
	}
	return Identity{ID: id, DisplayName: name}, nil
}

// bearerToken extracts a token from "Authorization: Bearer ..." or the access_token query
// parameter. Browsers cannot set headers on websocket handshakes, hence the query form.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
