package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Roles attached to a connection at handshake time. Authorization of
// topic joins and commands is checked against these, never re-derived.
const (
	RoleRider      = "rider"
	RoleAgent      = "agent"
	RoleRestaurant = "restaurant"
)

// Identity is the result of validating a bearer credential once per
// connection or request.
type Identity struct {
	Subject string
	Role    string
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates an HMAC-signed bearer token and extracts the
// identity it carries.
func ParseToken(token string, secret []byte) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.Role == "" {
		return Identity{}, fmt.Errorf("token missing subject or role")
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// SignToken mints a token for the given identity. Used by tests and
// local tooling; production tokens come from the account service.
func SignToken(id Identity, secret []byte) (string, error) {
	claims := &Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.Subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
