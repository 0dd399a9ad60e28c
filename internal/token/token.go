// Package token mints and verifies the compact signed lease token of
// spec.md §6: HMAC-SHA256 (HS256), payload {host_id, ip_address, expires_at}.
// Built on github.com/golang-jwt/jwt/v4, the same JWT library already
// present in the teacher's dependency graph (an indirect of op-node's own
// go.mod) and the natural fit for a "compact signed token" with a named
// algorithm.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims is the payload of a lease token, mirroring spec.md §6 exactly.
type Claims struct {
	HostID    string `json:"host_id"`
	IPAddress string `json:"ip_address"`
	jwt.RegisteredClaims
}

// Signer mints and verifies lease tokens against a shared HMAC secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Mint issues a token for hostID/ip expiring at expiresAt.
func (s *Signer) Mint(hostID, ip string, expiresAt time.Time) (string, error) {
	claims := Claims{
		HostID:    hostID,
		IPAddress: ip,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// Verify checks the token's signature and returns its claims. It does not
// check expiry against the session record — that's the caller's job, since
// the session is the source of truth for the holder's identity, not the
// token's own exp field (a peer could in principle present a still-valid
// token for a session the coordinator has already reset).
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, fmt.Errorf("token: invalid")
	}
	return claims, nil
}
