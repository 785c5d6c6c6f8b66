// Package protocol defines the wire protocol for pakedrop signaling and
// transfer bodies.
package protocol

// Signaling message types (server <-> client on the transfer channel).
const (
	TypeHandshake   = "handshake"   // SPAKE2 exchange message
	TypeKeyParams   = "key_params"  // Salt, label and server confirmation
	TypeConfirm     = "confirm"     // Client confirmation
	TypeEstablished = "established" // Key confirmed on both sides
	TypeProgress    = "progress"    // Session snapshot
	TypeError       = "error"       // Fatal error, connection closes
)

// Client actions on the transfer channel.
const (
	ActionCancel      = "cancel"
	ActionUploadChunk = "upload_chunk"
)

// Presence events.
const (
	TypeUserConnected    = "user_connected"
	TypeUserDisconnected = "user_disconnected"
	TypeConnectedUsers   = "connected_users"
	TypeUploadComplete   = "upload_complete"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Handshake carries one SPAKE2 message.
type Handshake struct {
	Type    string `json:"type"`
	Message []byte `json:"message"`
}

// KeyParams is sent by the responder after deriving key material.
type KeyParams struct {
	Type    string `json:"type"`
	Salt    []byte `json:"salt"`
	Label   string `json:"label"`
	Confirm []byte `json:"confirm"`
}

// Confirm is the initiator's key confirmation.
type Confirm struct {
	Type    string `json:"type"`
	Confirm []byte `json:"confirm"`
}

// Established tells the initiator the key is confirmed.
type Established struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// Progress is a point-in-time session snapshot.
type Progress struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transfer_id"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message"`
	Completed  bool    `json:"completed"`
	Canceled   bool    `json:"canceled"`
	Encrypted  bool    `json:"encrypted"`
	Error      string  `json:"error,omitempty"`
}

// Terminal reports whether the snapshot describes a finished transfer.
func (p Progress) Terminal() bool {
	return p.Completed || p.Canceled
}

// Error reports a fatal condition to the peer.
type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Cancel requests cancellation of the transfer bound to the channel.
type Cancel struct {
	Action string `json:"action"`
}

// UploadChunk carries one encrypted chunk over the signaling channel.
// Progress is the sender's own view, 0-100, and may be fractional.
type UploadChunk struct {
	Action     string  `json:"action"`
	IV         []byte  `json:"iv"`
	Ciphertext []byte  `json:"ciphertext"`
	Tag        []byte  `json:"tag"`
	Filename   string  `json:"filename"`
	Progress   float64 `json:"progress"`
}

// PresenceEvent is delivered on the presence channel.
type PresenceEvent struct {
	Type     string   `json:"type"`
	ClientID string   `json:"client_id,omitempty"`
	Users    []string `json:"users,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Time     int64    `json:"time,omitempty"`
}
