package domain

import "errors"

var (
	ErrDuplicateBroadcaster = errors.New("participant already owns a live session")
	ErrSessionNotFound      = errors.New("session not found")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrInvalidState         = errors.New("invalid attachment state")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrMediaAcquisition     = errors.New("media acquisition failed")
	ErrTransportClosed      = errors.New("signaling transport closed")
)
