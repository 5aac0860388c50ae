// Package protocol defines the signaling event vocabulary and wire payloads
// shared by the relay server and the client peer engine. Media never crosses
// this channel; it only bootstraps and maintains peer connections.
package protocol

import "encoding/json"

// Event names. One canonical set; the relay rejects anything else.
const (
	// client -> relay
	EventBroadcaster   = "broadcaster"
	EventJoinStream    = "joinStream"
	EventApproveViewer = "approveViewer"
	EventRejectViewer  = "rejectViewer"
	EventEndStream     = "endStream"

	// relayed in either direction
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"

	// relay -> client
	EventAck                  = "ack"
	EventWatcher              = "watcher"
	EventViewerRequest        = "viewerRequest"
	EventDisconnectPeer       = "disconnectPeer"
	EventViewerUpdate         = "viewerUpdate"
	EventBroadcasterAvailable = "broadcasterAvailable"
	EventJoinDenied           = "joinDenied"
	EventError                = "error"
)

// Envelope frames every message on the signaling socket.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from_peer,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionAnnounce is the payload of EventBroadcaster.
type SessionAnnounce struct {
	SessionID   string `json:"session_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	AccessMode  string `json:"access_mode,omitempty"`
}

// JoinRequest is the payload of EventJoinStream.
type JoinRequest struct {
	SessionID  string `json:"session_id"`
	Credential string `json:"credential,omitempty"`
}

// Description carries an SDP offer or answer. Description is the JSON form
// of a session description; the relay treats it as opaque.
type Description struct {
	PeerID      string          `json:"peer_id,omitempty"`
	Description json.RawMessage `json:"description"`
}

// Candidate carries one ICE candidate, opaque to the relay.
type Candidate struct {
	PeerID    string          `json:"peer_id,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// ViewerRef identifies a viewer in watcher/viewerRequest/approve/reject events.
type ViewerRef struct {
	ViewerID string `json:"viewer_id"`
}

// PeerRef identifies the remote side of a PeerLink in disconnectPeer events.
type PeerRef struct {
	PeerID string `json:"peer_id"`
}

// Ack acknowledges a client request. Registry errors travel only here,
// never as broadcasts.
type Ack struct {
	For       string `json:"for"`
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
}

// ViewerCount is the payload of EventViewerUpdate.
type ViewerCount struct {
	Count int `json:"count"`
}

// SessionAvailable is pushed to viewers that joined before the broadcaster
// went live.
type SessionAvailable struct {
	SessionID string `json:"session_id"`
}
