package domain

import "time"

type ParticipantID string
type SessionID string

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Participant is one connected signaling client. The ID is assigned by the
// transport on connect and lives exactly as long as the socket does.
type Participant struct {
	ID          ParticipantID
	Role        Role
	ConnectedAt time.Time
}
