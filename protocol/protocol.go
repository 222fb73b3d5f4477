// Package protocol defines the WebSocket message types exchanged
// between the terminal service and its clients, for both the raw PTY
// channel and the legacy line-oriented command channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResizeMessage is the only structured message accepted on the raw
// PTY channel: {"resize": [cols, rows]}. Everything else on that
// channel is opaque terminal bytes.
type ResizeMessage struct {
	Resize [2]uint `json:"resize"`
}

// ParseResize reports whether a text frame is a resize request and,
// if so, the requested dimensions. Frames that are not resize
// messages return ok=false and must be forwarded as terminal input.
func ParseResize(frame []byte) (cols, rows uint, ok bool) {
	if len(frame) == 0 || frame[0] != '{' {
		return 0, 0, false
	}
	var msg ResizeMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return 0, 0, false
	}
	if msg.Resize[0] == 0 || msg.Resize[1] == 0 {
		return 0, 0, false
	}
	return msg.Resize[0], msg.Resize[1], true
}

// RawPrefix marks a legacy control frame: a 6-byte header of
// ESC + "[raw]" followed by a control code.
const RawPrefix = "\x1b[raw]"

// DecodeRawControl maps a legacy raw-prefixed frame to the single
// control byte it encodes. Unknown codes return ok=false.
func DecodeRawControl(frame []byte) (b byte, ok bool) {
	if len(frame) <= len(RawPrefix) || string(frame[:len(RawPrefix)]) != RawPrefix {
		return 0, false
	}
	switch frame[len(RawPrefix)] {
	case 24: // CAN
		return 0x18, true
	case 25: // EM
		return 0x19, true
	case 13: // CR
		return 0x0d, true
	case 3: // ETX (interrupt)
		return 0x03, true
	case 26: // SUB (suspend)
		return 0x1a, true
	case 27: // ESC
		return 0x1b, true
	}
	return 0, false
}

// Line-channel result frame types.
const (
	FrameOutput    = "output"
	FrameError     = "error"
	FrameConnected = "connected"
)

// LineResult is the structured reply sent for each command on the
// legacy line channel.
type LineResult struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func NewLineOutput(command, output string) LineResult {
	return LineResult{
		Type:      FrameOutput,
		Command:   command,
		Output:    output,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func NewLineError(command, msg string) LineResult {
	return LineResult{
		Type:      FrameError,
		Command:   command,
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func NewConnected(sessionID string) LineResult {
	return LineResult{
		Type:      FrameConnected,
		SessionID: sessionID,
		Output:    fmt.Sprintf("Connected to session %s", sessionID),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
