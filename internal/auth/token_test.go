package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(clock *fakeClock) *TokenCodec {
	codec := NewTokenCodec(TokenConfig{
		Secret:   "test-secret",
		Issuer:   "fruits-store",
		Audience: "fruits-store-api",
		TTL:      60 * time.Minute,
	})
	codec.WithClock(clock.Now)
	return codec
}

func TestTokenCodec_IssueAndVerify(t *testing.T) {
	clock := newFakeClock(testEpoch)
	codec := newTestCodec(clock)

	token, err := codec.Issue("alice", []string{"USER", "CUSTOMER"}, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, "alice", token.Subject)
	assert.Equal(t, testEpoch, token.IssuedAt)
	assert.Equal(t, testEpoch.Add(time.Hour), token.ExpiresAt)

	claims, err := codec.Verify(token.Raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"USER", "CUSTOMER"}, claims.Roles)
	assert.Equal(t, "fruits-store", claims.Issuer)
	assert.Equal(t, "fruits-store-api", claims.Audience)
	assert.Equal(t, testEpoch.Add(time.Hour), claims.ExpiresAt)
}

func TestTokenCodec_IssueIsDeterministic(t *testing.T) {
	codec := newTestCodec(newFakeClock(testEpoch))

	first, err := codec.Issue("alice", []string{"USER"}, testEpoch)
	require.NoError(t, err)
	second, err := codec.Issue("alice", []string{"USER"}, testEpoch)
	require.NoError(t, err)

	assert.Equal(t, first.Raw, second.Raw)
}

func TestTokenCodec_ExpiryBoundary(t *testing.T) {
	clock := newFakeClock(testEpoch)
	codec := newTestCodec(clock)

	token, err := codec.Issue("alice", []string{"USER"}, testEpoch)
	require.NoError(t, err)

	clock.Advance(60*time.Minute - time.Second)
	_, err = codec.Verify(token.Raw)
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = codec.Verify(token.Raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(time.Second)
	_, err = codec.Verify(token.Raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenCodec_SubSecondIssueTime(t *testing.T) {
	issued := testEpoch.Add(900 * time.Millisecond)
	clock := newFakeClock(issued)
	codec := newTestCodec(clock)

	token, err := codec.Issue("alice", []string{"USER"}, issued)
	require.NoError(t, err)
	assert.True(t, testEpoch.Equal(token.IssuedAt))
	assert.True(t, testEpoch.Add(time.Hour).Equal(token.ExpiresAt))

	clock.Advance(token.ExpiresAt.Sub(clock.Now()) - 500*time.Millisecond)
	claims, err := codec.Verify(token.Raw)
	require.NoError(t, err)
	assert.True(t, token.ExpiresAt.Equal(claims.ExpiresAt))

	clock.Advance(500 * time.Millisecond)
	_, err = codec.Verify(token.Raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenCodec_RejectsForeignTokens(t *testing.T) {
	clock := newFakeClock(testEpoch)
	codec := newTestCodec(clock)

	token, err := codec.Issue("alice", []string{"USER"}, testEpoch)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenCodec(TokenConfig{Secret: "other-secret", Issuer: "fruits-store", Audience: "fruits-store-api"})
		other.WithClock(clock.Now)
		_, err := other.Verify(token.Raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokenCodec(TokenConfig{Secret: "test-secret", Issuer: "someone-else", Audience: "fruits-store-api"})
		other.WithClock(clock.Now)
		_, err := other.Verify(token.Raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewTokenCodec(TokenConfig{Secret: "test-secret", Issuer: "fruits-store", Audience: "admin-console"})
		other.WithClock(clock.Now)
		_, err := other.Verify(token.Raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(token.Raw, ".")
		require.Len(t, parts, 3)

		forged, err := newTestCodec(clock).Issue("alice", []string{"ADMIN"}, testEpoch)
		require.NoError(t, err)
		forgedParts := strings.Split(forged.Raw, ".")

		tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]
		_, err = codec.Verify(tampered)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "fruits-store",
			Audience:  jwt.ClaimStrings{"fruits-store-api"},
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
		})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = codec.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := codec.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = codec.Verify("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestTokenCodec_SubjectOf(t *testing.T) {
	codec := newTestCodec(newFakeClock(testEpoch))

	token, err := codec.Issue("alice", nil, testEpoch)
	require.NoError(t, err)

	other := NewTokenCodec(TokenConfig{Secret: "other-secret"})
	subject, err := other.SubjectOf(token.Raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = codec.SubjectOf("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenCodec_IssueRejectsEmptySubject(t *testing.T) {
	codec := newTestCodec(newFakeClock(testEpoch))

	_, err := codec.Issue("  ", []string{"USER"}, testEpoch)
	assert.Error(t, err)
}
