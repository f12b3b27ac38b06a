// Package message defines the normalised JSON envelope carried in every
// pub/sub payload.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeEvent     = "event"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// Sender identifies the originating participant.
type Sender struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is the canonical message format. Every field is mandatory except
// Token. Timestamps are UTC RFC 3339 strings on the wire.
type Envelope struct {
	RequestID   string         `json:"request_id"`
	Sender      Sender         `json:"sender"`
	MessageType string         `json:"message_type"`
	Timestamp   string         `json:"timestamp"`
	Data        map[string]any `json:"data"`
	Token       string         `json:"token,omitempty"`
}

// New builds a request envelope with a fresh request id.
func New(senderType, senderID string, data map[string]any) *Envelope {
	return &Envelope{
		RequestID:   uuid.NewString(),
		Sender:      Sender{Type: senderType, ID: senderID},
		MessageType: TypeRequest,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
	}
}

// Response builds a response envelope reusing the request's id so callers can
// correlate. The status field is merged into the data payload.
func Response(req *Envelope, status string, data map[string]any) *Envelope {
	merged := map[string]any{"status": status}
	for k, v := range data {
		merged[k] = v
	}
	return &Envelope{
		RequestID:   req.RequestID,
		Sender:      req.Sender,
		MessageType: TypeResponse,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        merged,
	}
}

// TypeForChannel infers the message type a channel implies: names ending in
// "_response" carry responses, everything else defaults to requests.
func TypeForChannel(channel string) string {
	if strings.Contains(channel, "_response") {
		return TypeResponse
	}
	return TypeRequest
}

// Encode serialises the envelope as UTF-8 JSON.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return b, nil
}

// Decode parses an envelope from its wire form.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	return &e, nil
}

// String returns a compact identity for logging.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s from %s:%s", e.MessageType, e.RequestID, e.Sender.Type, e.Sender.ID)
}
