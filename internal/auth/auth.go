// Package auth verifies bearer tokens and decides which vehicles a caller may
// operate.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bus-tracker/internal/transit"
)

const (
	RoleAdmin  = "admin"
	RoleDriver = "driver"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT payload. The subject is the operator id drivers are
// matched against.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CanOperate reports whether the caller may mutate v. Admins may operate any
// vehicle; drivers may operate a vehicle assigned to them or one with no
// operator.
func (c *Claims) CanOperate(v transit.Vehicle) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleDriver:
		return v.OperatorID == "" || v.OperatorID == c.Subject
	}
	return false
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token for subject with role.
func (t *Tokens) Issue(subject, role string) (string, error) {
	now := t.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
