// ABOUTME: Tests for JWT token generation and verification.
// ABOUTME: Covers claim extraction, role validation, expiry, and tampering.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	t.Run("round trip preserves the subject", func(t *testing.T) {
		token, err := v.Generate(Subject{Identity: "A100", Role: RoleAgent, Team: "T1"}, time.Hour)
		require.NoError(t, err)

		subject, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "A100", subject.Identity)
		assert.Equal(t, RoleAgent, subject.Role)
		assert.Equal(t, "T1", subject.Team)
	})

	t.Run("team claim is optional", func(t *testing.T) {
		token, err := v.Generate(Subject{Identity: "S1", Role: RoleSupervisor}, time.Hour)
		require.NoError(t, err)

		subject, err := v.Verify(token)
		require.NoError(t, err)
		assert.Empty(t, subject.Team)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := v.Generate(Subject{Identity: "A100", Role: RoleAgent}, -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token, err := v.Generate(Subject{Identity: "A100", Role: RoleAgent}, time.Hour)
		require.NoError(t, err)

		other := NewJWTVerifier([]byte("different-secret"))
		_, err = other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := v.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerifyClaims(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)

	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(secret)
		require.NoError(t, err)
		return signed
	}

	now := time.Now()

	t.Run("missing sub", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"role": RoleAgent, "exp": now.Add(time.Hour).Unix()})
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("missing role", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "A100", "exp": now.Add(time.Hour).Unix()})
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("unrecognized role", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "A100", "role": "manager", "exp": now.Add(time.Hour).Unix()})
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrUnknownRole)
	})
}
