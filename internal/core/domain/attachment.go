package domain

import "time"

type AttachmentState string

const (
	AttachmentRequesting      AttachmentState = "requesting"
	AttachmentPendingApproval AttachmentState = "pending_approval"
	AttachmentConnected       AttachmentState = "connected"
	AttachmentDisconnected    AttachmentState = "disconnected"
)

// Attachment tracks one viewer's membership in a session. Created when the
// viewer asks to watch, destroyed on viewer disconnect or session teardown.
type Attachment struct {
	Viewer      ParticipantID
	Session     SessionID
	State       AttachmentState
	RequestedAt time.Time
}
