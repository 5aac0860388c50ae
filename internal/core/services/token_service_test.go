package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinTokenRoundTrip(t *testing.T) {
	tokens := NewTokenService("secret")

	token, err := tokens.IssueJoinToken("session-1", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, tokens.ValidateJoinToken(token, "session-1"))
}

func TestJoinTokenBoundToSession(t *testing.T) {
	tokens := NewTokenService("secret")

	token, err := tokens.IssueJoinToken("session-1", time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, tokens.ValidateJoinToken(token, "session-2"), ErrTokenSession)
}

func TestJoinTokenRejectsGarbage(t *testing.T) {
	tokens := NewTokenService("secret")
	assert.ErrorIs(t, tokens.ValidateJoinToken("not-a-jwt", "session-1"), ErrInvalidToken)
}

func TestJoinTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a")
	verifier := NewTokenService("secret-b")

	token, err := issuer.IssueJoinToken("session-1", time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, verifier.ValidateJoinToken(token, "session-1"), ErrInvalidToken)
}

func TestJoinTokenExpires(t *testing.T) {
	tokens := NewTokenService("secret")

	token, err := tokens.IssueJoinToken("session-1", -time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, tokens.ValidateJoinToken(token, "session-1"), ErrInvalidToken)
}
