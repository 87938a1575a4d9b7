// ABOUTME: JWT token verification for authenticating wallboard connections
// ABOUTME: Uses HS256 signing with configurable secret; claims carry identity, role, team

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrUnknownRole  = errors.New("unknown role")
)

// Roles a token subject may carry.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// Subject is the authenticated identity extracted from a verified token.
type Subject struct {
	Identity string // agent code, from the "sub" claim
	Role     string // "agent" or "supervisor", from the "role" claim
	Team     string // optional team identifier, from the "team" claim
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Subject, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the subject identity, role, and
// team. Tokens carrying a role other than agent or supervisor are rejected.
func (v *JWTVerifier) Verify(tokenString string) (Subject, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Subject{}, ErrExpiredToken
		}
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Subject{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Subject{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Subject{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return Subject{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	if role != RoleAgent && role != RoleSupervisor {
		return Subject{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	team, _ := claims["team"].(string)

	return Subject{Identity: sub, Role: role, Team: team}, nil
}

// Generate creates a new JWT token for the given subject with expiration
func (v *JWTVerifier) Generate(subject Subject, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject.Identity,
		"role": subject.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if subject.Team != "" {
		claims["team"] = subject.Team
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
