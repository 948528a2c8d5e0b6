package models

import "time"

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// Transition is one entry of the connection state log. Seq is strictly
// increasing.
type Transition struct {
	Seq    uint64          `json:"seq"`
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	At     time.Time       `json:"at"`
	Reason string          `json:"reason,omitempty"`
}
