package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/docpipe/internal/config"
)

const testSecret = "thisisasecretkeythatis32charslong!!"

func newTokens(t *testing.T, issuer string) *Tokens {
	t.Helper()
	s, err := NewTokens(config.AuthConfig{JWTSecret: testSecret, Issuer: issuer})
	require.NoError(t, err)
	return s
}

func TestNewTokensRejectsShortSecret(t *testing.T) {
	_, err := NewTokens(config.AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	s := newTokens(t, "docpipe")

	token, err := s.Issue(ctx, "ops@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "docpipe", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)

	_, err = s.Issue(ctx, "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestValidateExpired(t *testing.T) {
	ctx := context.Background()
	s := newTokens(t, "")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return start })

	token, err := s.Issue(ctx, "svc", time.Minute)
	require.NoError(t, err)

	// Within the clock skew allowance.
	s.SetClock(func() time.Time { return start.Add(2 * time.Minute) })
	_, err = s.Validate(ctx, token)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return start.Add(10 * time.Minute) })
	_, err = s.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	ctx := context.Background()
	s := newTokens(t, "docpipe")

	other, err := NewTokens(config.AuthConfig{JWTSecret: "anothersecretthatisalso32charslong!", Issuer: "docpipe"})
	require.NoError(t, err)
	forged, err := other.Issue(ctx, "svc", time.Hour)
	require.NoError(t, err)
	_, err = s.Validate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := newTokens(t, "someone-else").Issue(ctx, "svc", time.Hour)
	require.NoError(t, err)
	_, err = s.Validate(ctx, wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "svc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Validate(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRequiresExpiry(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "svc"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = newTokens(t, "").Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
