package identity

import (
	"net/http"
	"strings"
)

const (
	HeaderUserID   = "X-Forge-User-ID"
	HeaderUserName = "X-Forge-User-Name"
)

// HeaderResolver trusts identity headers set by a fronting proxy, or the uid/name query
// parameters for local development. It performs no verification.
type HeaderResolver struct {
	// AllowAnonymous returns a zero Identity instead of ErrUnauthorized when nothing is set.
	AllowAnonymous bool
}

// Resolve implements Resolver.
func (h HeaderResolver) Resolve(r *http.Request) (Identity, error) {
	id := r.Header.Get(HeaderUserID)
	name := r.Header.Get(HeaderUserName)
	if strings.TrimSpace(id) == "" {
		q := r.URL.Query()
		id = q.Get("uid")
		name = q.Get("name")
	}

	if strings.TrimSpace(id) == "" {
		if h.AllowAnonymous {
			return Identity{}, nil
		}
		return Identity{}, unauthorized("identity.HeaderResolver", "missing user id")
	}
	return normalize("identity.HeaderResolver", id, name)
}

// Chain tries resolvers in order and returns the first success.
// If all fail, the last error is returned.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(r *http.Request) (Identity, error) {
		err := error(unauthorized("identity.Chain", "no resolver"))
		for _, res := range resolvers {
			if res == nil {
				continue
			}
			u, rerr := res.Resolve(r)
			if rerr == nil {
				return u, nil
			}
			err = rerr
		}
		return Identity{}, err
	})
}
