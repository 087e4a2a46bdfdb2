package message

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig, err := New(TypeCapture, Capture{
		AssociatedTo: "evt-1",
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		ImageFormat:  "jpeg",
		ImageDataB64: "aGVsbG8=",
		HasFace:      true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Type != TypeCapture {
		t.Fatalf("Type = %v, want CAPTURE", got.Type)
	}
	if got.ID != orig.ID {
		t.Fatalf("ID = %q, want %q", got.ID, orig.ID)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, orig.Timestamp)
	}

	var p Capture
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.AssociatedTo != "evt-1" || p.ImageFormat != "jpeg" || !p.HasFace {
		t.Fatalf("payload = %+v", p)
	}
}

func TestTypeSerializesAsInteger(t *testing.T) {
	m, err := NewWithID(TypeButtonPressed, "evt-7", nil)
	if err != nil {
		t.Fatalf("NewWithID: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg_type":7`)) {
		t.Fatalf("BUTTON_PRESSED should encode as 7: %s", data)
	}
	if bytes.Contains(data, []byte(`"payload"`)) {
		t.Fatalf("nil payload should be omitted: %s", data)
	}
	if bytes.Contains(data, []byte(`"reply_to"`)) {
		t.Fatalf("empty reply_to should be omitted: %s", data)
	}
}

func TestNewReplyLinksToOriginal(t *testing.T) {
	req, err := New(TypeSettingsRequest, SettingsRequest{Type: SettingsGet})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ack, err := NewReply(req, TypeSettingsAck, SettingsSnapshot{})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if ack.ReplyTo != req.ID {
		t.Fatalf("ReplyTo = %q, want %q", ack.ReplyTo, req.ID)
	}
	if ack.ID == req.ID {
		t.Fatal("reply must carry its own msg_id")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	frame := []byte(`{"msg_type":99,"msg_id":"x","timestamp":"2025-03-14T09:26:53Z"}`)
	if _, err := Decode(frame); err == nil {
		t.Fatal("expected error for unknown msg_type")
	}
}

func TestDecodeRejectsMissingID(t *testing.T) {
	frame := []byte(`{"msg_type":1,"timestamp":"2025-03-14T09:26:53Z"}`)
	if _, err := Decode(frame); err == nil {
		t.Fatal("expected error for missing msg_id")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"msg_type":`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodePayloadOnEmptyPayloadErrors(t *testing.T) {
	m, err := NewWithID(TypeMotionDetected, "evt-2", nil)
	if err != nil {
		t.Fatalf("NewWithID: %v", err)
	}
	var p Capture
	if err := m.DecodePayload(&p); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

func TestSettingsUpdatePartialFields(t *testing.T) {
	raw := []byte(`{"button":{"debounce":0.5},"color":{"r":10,"g":20,"b":30}}`)
	var u SettingsUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if u.Button == nil || u.Button.Debounce == nil || *u.Button.Debounce != 0.5 {
		t.Fatalf("Button.Debounce = %+v", u.Button)
	}
	if u.Button.PollingRate != nil {
		t.Fatal("absent polling_rate should decode as nil")
	}
	if u.MotionSensor != nil || u.Camera != nil {
		t.Fatal("absent sections should decode as nil")
	}
	if u.Color == nil || u.Color.B != 30 {
		t.Fatalf("Color = %+v", u.Color)
	}
}

func TestTypeStringNames(t *testing.T) {
	if got := TypeNotificationAck.String(); got != "NOTIFICATION_ACK" {
		t.Fatalf("String() = %q", got)
	}
	if got := Type(42).String(); got != "UNKNOWN(42)" {
		t.Fatalf("String() = %q", got)
	}
	if Type(0).Valid() || Type(19).Valid() {
		t.Fatal("out-of-range types must not be valid")
	}
}
