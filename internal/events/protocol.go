package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// recordSeparator terminates every JSON hub protocol frame.
const recordSeparator = 0x1e

const (
	typeInvocation = 1
	typeClose      = 7
)

var (
	handshakeFrame = []byte("{\"protocol\":\"json\",\"version\":1}\x1e")
	pingFrame      = []byte("{\"type\":6}\x1e")
)

// leadTargets are the hub methods that announce an available lead,
// compared case-insensitively.
var leadTargets = []string{
	"NewLeadForDealer",
	"HasAvailableLead",
	"LeadAvailable",
	"OpportunityAvailable",
	"OpportunityCreated",
}

func isLeadTarget(target string) bool {
	for _, t := range leadTargets {
		if strings.EqualFold(t, target) {
			return true
		}
	}
	return false
}

type kind int

const (
	kindInvocation kind = iota + 1
	kindClose
)

type message struct {
	kind   kind
	target string
	args   []json.RawMessage
	err    string
}

type wireMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
	Error     string            `json:"error"`
	// Legacy hub protocol.
	M string            `json:"M"`
	A []json.RawMessage `json:"A"`
}

// decodeFrames splits a websocket message into hub frames. Pings and
// frames that do not decode are dropped.
func decodeFrames(data []byte) []message {
	var out []message
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		var w wireMessage
		if err := json.Unmarshal(part, &w); err != nil {
			continue
		}
		switch {
		case w.Type == typeInvocation && w.Target != "":
			out = append(out, message{kind: kindInvocation, target: w.Target, args: w.Arguments})
		case w.Type == 0 && w.M != "":
			out = append(out, message{kind: kindInvocation, target: w.M, args: w.A})
		case w.Type == typeClose:
			out = append(out, message{kind: kindClose, err: w.Error})
		}
	}
	return out
}

// handshake sends the protocol selection and waits for the empty answer.
// Any frames that arrived in the same message are returned in rest.
func handshake(conn *websocket.Conn, timeout time.Duration) (rest []byte, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, handshakeFrame); err != nil {
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	frame, rest, _ := bytes.Cut(data, []byte{recordSeparator})
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(frame), &resp); err != nil {
		return nil, fmt.Errorf("hub handshake: decode: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("hub handshake: %s", resp.Error)
	}
	return rest, nil
}
