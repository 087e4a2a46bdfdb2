// Package message defines the JSON envelope exchanged between the
// doorbell controller and the hub over the event WebSocket.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebSocket close codes the hub uses to refuse a session permanently.
// A client that reconnects after one of these loops forever against
// the same verdict, so both sides treat them as fatal.
const (
	CloseAuthFailed = 3000
	CloseForbidden  = 3003
)

// Type identifies a frame on the device channel. Values are serialized
// as small integers on the wire.
type Type int

const (
	TypePing Type = iota + 1
	TypePong

	TypeAuth
	TypeAuthResult

	TypeMotionDetected
	TypeFaceDetected
	TypeButtonPressed

	TypeStreamStart
	TypeStreamStop
	TypeStreamAck

	TypeSettingsRequest
	TypeSettingsAck

	TypeNotificationAck
	TypeNotificationSync
	TypeNotificationSyncResponse

	TypeCapture
	TypeCaptureAck

	TypeError
)

var typeNames = map[Type]string{
	TypePing:                     "PING",
	TypePong:                     "PONG",
	TypeAuth:                     "AUTH",
	TypeAuthResult:               "AUTH_RESULT",
	TypeMotionDetected:           "MOTION_DETECTED",
	TypeFaceDetected:             "FACE_DETECTED",
	TypeButtonPressed:            "BUTTON_PRESSED",
	TypeStreamStart:              "STREAM_START",
	TypeStreamStop:               "STREAM_STOP",
	TypeStreamAck:                "STREAM_ACK",
	TypeSettingsRequest:          "SETTINGS_REQUEST",
	TypeSettingsAck:              "SETTINGS_ACK",
	TypeNotificationAck:          "NOTIFICATION_ACK",
	TypeNotificationSync:         "NOTIFICATION_SYNC",
	TypeNotificationSyncResponse: "NOTIFICATION_SYNC_RESPONSE",
	TypeCapture:                  "CAPTURE",
	TypeCaptureAck:               "CAPTURE_ACK",
	TypeError:                    "ERROR",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is the wire envelope. Payload stays raw until a handler
// decodes it into one of the typed payload structs.
type Message struct {
	Type      Type            `json:"msg_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"msg_id"`
	Timestamp time.Time       `json:"timestamp"`
	ReplyTo   string          `json:"reply_to,omitempty"`
}

// New builds a message with a fresh uuid. A nil payload is omitted from
// the encoded frame.
func New(t Type, payload any) (*Message, error) {
	return NewWithID(t, uuid.NewString(), payload)
}

// NewWithID builds a message with a caller-chosen id. Sensor events use
// their event id as msg_id so the hub can deduplicate redeliveries.
func NewWithID(t Type, id string, payload any) (*Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      t,
		Payload:   raw,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReply builds a response linked to the original via reply_to.
func NewReply(orig *Message, t Type, payload any) (*Message, error) {
	m, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	m.ReplyTo = orig.ID
	return m, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a frame and rejects envelopes with an unknown type or a
// missing msg_id.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("unknown msg_type %d", int(m.Type))
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing msg_id")
	}
	return &m, nil
}

// DecodePayload unmarshals the raw payload into a typed struct.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
