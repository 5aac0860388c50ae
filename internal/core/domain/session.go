package domain

import "time"

type AccessMode string

const (
	// AccessOpen lets any viewer attach as soon as the join is acknowledged.
	AccessOpen AccessMode = "open"
	// AccessApproval holds new viewers in pending-approval until the
	// broadcaster accepts or rejects them.
	AccessApproval AccessMode = "approval"
)

// Session is one live broadcast. It exists only while its broadcaster's
// signaling connection is alive; at most one session per broadcaster.
type Session struct {
	ID          SessionID
	Broadcaster ParticipantID
	Title       string
	Description string
	Access      AccessMode
	CreatedAt   time.Time
}

// SessionMeta is what a broadcaster announces when going live.
type SessionMeta struct {
	// ID is optional. A broadcaster that wants a stable, shareable stream
	// key supplies its own; otherwise the registry generates one.
	ID          SessionID
	Title       string
	Description string
	Access      AccessMode
}
