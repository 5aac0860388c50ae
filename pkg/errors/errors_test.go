package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDomainMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"duplicate broadcaster", domain.ErrDuplicateBroadcaster, CodeDuplicateBroadcaster, http.StatusConflict},
		{"session not found", domain.ErrSessionNotFound, CodeSessionNotFound, http.StatusNotFound},
		{"attachment not found", domain.ErrAttachmentNotFound, CodeSessionNotFound, http.StatusNotFound},
		{"not authorized", domain.ErrNotAuthorized, CodeNotAuthorized, http.StatusForbidden},
		{"invalid state", domain.ErrInvalidState, CodeInvalidState, http.StatusConflict},
		{"unknown", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromDomain(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tt.err)
		})
	}
}

func TestFromDomainMapsWrappedSentinels(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", domain.ErrInvalidState)
	assert.Equal(t, CodeInvalidState, FromDomain(wrapped).Code)
}

func TestFromDomainNeverLeaksInternals(t *testing.T) {
	appErr := FromDomain(errors.New("redis: connection refused at 10.0.0.3"))
	assert.Equal(t, CodeInternal, appErr.Code)
	assert.Equal(t, "internal error", appErr.Message)
}

func TestGetAppError(t *testing.T) {
	appErr := New(CodeInvalidInput, "bad payload", http.StatusBadRequest)
	wrapped := fmt.Errorf("handler: %w", appErr)

	require.NotNil(t, GetAppError(wrapped))
	assert.Equal(t, CodeInvalidInput, GetAppError(wrapped).Code)
	assert.Nil(t, GetAppError(errors.New("plain")))
}
