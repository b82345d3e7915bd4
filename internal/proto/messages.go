// Package proto holds the command tokens of the TCP trigger protocol and the
// JSON event published after every capture cycle.
package proto

import "time"

// Command tokens, one per connection, terminated by '\n'.
const (
	CmdTakePicture = "take_a_picture_dude"
	CmdHandshake   = "are_you_there_bro"
	CmdPreview     = "what's_going_on_mate"
)

// HandshakeReply is written in response to CmdHandshake.
const HandshakeReply = "sure_thing_buddy"

// Capture cycle outcomes.
const (
	StatusDelivered     = "delivered"
	StatusFocusFailed   = "focus_failed"
	StatusCaptureFailed = "capture_failed"
	StatusNoClients     = "no_clients"
	StatusAborted       = "aborted"
)

// CaptureEvent describes one finished capture cycle.
type CaptureEvent struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Bytes    int       `json:"bytes,omitempty"`
	Clients  int       `json:"clients"`
	Failed   int       `json:"failed,omitempty"` // deliveries that hit a write error
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// Duration returns the time between trigger and the end of the cycle.
func (e CaptureEvent) Duration() time.Duration {
	return e.Finished.Sub(e.Started)
}
