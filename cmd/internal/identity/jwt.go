package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	minJWTSecretBytes = 32
	defaultTokenTTL   = 24 * time.Hour
	jwtLeeway         = 30 * time.Second
)

// Claims is the token body: the standard subject plus a display name.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 bearer tokens.
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// JWTOption configures a JWTResolver.
type JWTOption func(*JWTResolver)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) JWTOption {
	return func(r *JWTResolver) { r.issuer = strings.TrimSpace(iss) }
}

// WithClock overrides the verification and issuance clock.
func WithClock(now func() time.Time) JWTOption {
	return func(r *JWTResolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewJWTResolver constructs a resolver. secret must be at least 32 bytes.
func NewJWTResolver(secret []byte, opts ...JWTOption) (*JWTResolver, error) {
	if len(secret) < minJWTSecretBytes {
		return nil, OpError{Op: "identity.NewJWTResolver", Kind: ErrInvalidConfig, Msg: "secret must be at least 32 bytes"}
	}
	r := &JWTResolver{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Issue mints a signed token for id. A non-positive ttl uses 24h.
func (r *JWTResolver) Issue(id, name string, ttl time.Duration) (string, error) {
	u, err := normalize("identity.Issue", id, name)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := r.now()
	claims := Claims{
		Name: u.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Verify parses and validates a token string.
func (r *JWTResolver) Verify(tokenStr string) (Identity, error) {
	const op = "identity.Verify"

	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Identity{}, unauthorized(op, "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, unauthorized(op, "token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, unauthorized(op, "bad signature")
		default:
			return Identity{}, unauthorized(op, "invalid token")
		}
	}
	if !tok.Valid {
		return Identity{}, unauthorized(op, "invalid token")
	}

	return normalize(op, claims.Subject, claims.Name)
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(req *http.Request) (Identity, error) {
	return r.Verify(bearerToken(req))
}
