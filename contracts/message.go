package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var jsonNull = []byte("null")

// EventEntry is one element of an event frame body
type EventEntry struct {
	CmdName string          `json:"cmdName"`
	Payload json.RawMessage `json:"payload"`
}

// InboundHead is the optional first element of a downward frame
type InboundHead struct {
	CallbackID string `json:"callbackId"`
}

// InboundMessage is a decoded downward frame
type InboundMessage struct {
	Head *InboundHead
	Body json.RawMessage
}

// CallbackID returns the correlation token carried by the frame, or ""
func (m *InboundMessage) CallbackID() string {
	if m == nil || m.Head == nil {
		return ""
	}
	return m.Head.CallbackID
}

// Entries returns the event entries of the body. Elements that are not
// objects with a string cmdName are skipped; a body that is not a list
// yields nil.
func (m *InboundMessage) Entries() []EventEntry {
	if m == nil || len(m.Body) == 0 {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(m.Body, &raw); err != nil {
		return nil
	}

	entries := make([]EventEntry, 0, len(raw))
	for _, r := range raw {
		var entry EventEntry
		if err := json.Unmarshal(r, &entry); err != nil || entry.CmdName == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// FirstEntry returns the entry at index 0 of the body, if it is a valid entry
func (m *InboundMessage) FirstEntry() (EventEntry, bool) {
	if m == nil || len(m.Body) == 0 {
		return EventEntry{}, false
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(m.Body, &raw); err != nil || len(raw) == 0 {
		return EventEntry{}, false
	}

	var entry EventEntry
	if err := json.Unmarshal(raw[0], &entry); err != nil || entry.CmdName == "" {
		return EventEntry{}, false
	}
	return entry, true
}

// EncodeRequest serializes an upward frame: [envelope, [cmdName, ...args]]
func EncodeRequest(envelope *RequestEnvelope, cmdName string, args ...any) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	payload := make([]any, 0, len(args)+1)
	payload = append(payload, cmdName)
	payload = append(payload, args...)

	body, err := json.Marshal([]any{envelope, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, nil
}

// DecodeRequest parses an upward frame. Hosts and test doubles use it to
// answer requests.
func DecodeRequest(frame []byte) (*RequestEnvelope, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformedFrame, len(parts))
	}

	var envelope RequestEnvelope
	if err := json.Unmarshal(parts[0], &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}

	var args []json.RawMessage
	if err := json.Unmarshal(parts[1], &args); err != nil {
		return nil, nil, fmt.Errorf("%w: arguments: %v", ErrMalformedFrame, err)
	}
	return &envelope, args, nil
}

// EncodeInbound serializes a downward frame: [head, body]. A nil head is
// written as null.
func EncodeInbound(head *InboundHead, body any) ([]byte, error) {
	frame, err := json.Marshal([]any{head, body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inbound frame: %w", err)
	}
	return frame, nil
}

// EncodeResponse builds the downward frame that answers callbackID with result
func EncodeResponse(callbackID string, result any) ([]byte, error) {
	return EncodeInbound(&InboundHead{CallbackID: callbackID}, result)
}

// EncodeEvent builds a downward frame carrying a single event entry
func EncodeEvent(cmdName string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return EncodeInbound(nil, []EventEntry{{CmdName: cmdName, Payload: raw}})
}

// DecodeInbound parses a downward frame. Frames with fewer than two elements
// are malformed. A head that is null or not an object decodes as no head.
func DecodeInbound(frame []byte) (*InboundMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformedFrame, len(parts))
	}

	msg := &InboundMessage{Body: parts[1]}
	if len(parts[0]) > 0 && !bytes.Equal(bytes.TrimSpace(parts[0]), jsonNull) {
		var head InboundHead
		if err := json.Unmarshal(parts[0], &head); err == nil {
			msg.Head = &head
		}
	}
	return msg, nil
}
