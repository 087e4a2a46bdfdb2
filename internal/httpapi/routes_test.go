package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/store"
)

func (e *testEnv) seedNotification(t *testing.T, eventID string) *store.Notification {
	t.Helper()
	n, _, err := e.store.CreateNotification(context.Background(), store.NotificationInput{
		UserID:     e.user.ID,
		Title:      "Doorbell Pressed",
		Type:       "button_pressed",
		RPiEventID: eventID,
	})
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	return n
}

func TestListNotificationsEmbedsCaptures(t *testing.T) {
	env := newTestEnv(t)

	n := env.seedNotification(t, "e1")
	if _, err := env.store.CreateCapture(context.Background(), "e1", &n.ID, "capture_a.jpg"); err != nil {
		t.Fatalf("seed capture: %v", err)
	}
	env.seedNotification(t, "e2")

	resp := env.do(t, http.MethodGet, "/api/notifications", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out []notificationResponse
	decodeJSON(t, resp, &out)

	if len(out) != 2 {
		t.Fatalf("got %d notifications, want 2", len(out))
	}
	byEvent := make(map[string]notificationResponse)
	for _, item := range out {
		byEvent[item.RPiEventID] = item
	}
	if got := byEvent["e1"].Captures; len(got) != 1 || got[0].Path != "capture_a.jpg" {
		t.Errorf("e1 captures = %+v, want one with path capture_a.jpg", got)
	}
	if got := byEvent["e2"].Captures; len(got) != 0 {
		t.Errorf("e2 captures = %+v, want none", got)
	}
}

func TestListNotificationsEmptyIsJSONArray(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/notifications", nil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(body)); got != "[]" {
		t.Errorf("empty list body = %q, want []", got)
	}
}

func TestNotificationCount(t *testing.T) {
	env := newTestEnv(t)
	env.seedNotification(t, "e1")
	env.seedNotification(t, "e2")

	resp := env.do(t, http.MethodGet, "/api/notifications/count", nil)
	var hits hitsResponse
	decodeJSON(t, resp, &hits)
	if hits.Hits != 2 {
		t.Errorf("hits = %d, want 2", hits.Hits)
	}
}

func TestDeleteNotification(t *testing.T) {
	env := newTestEnv(t)
	n := env.seedNotification(t, "e1")

	resp := env.do(t, http.MethodDelete, fmt.Sprintf("/api/notifications/%d", n.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/notifications/%d", n.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat delete status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/notifications/abc", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-numeric id status = %d, want 400", resp.StatusCode)
	}
}

func TestBatchDeleteNotifications(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedNotification(t, "e1")
	b := env.seedNotification(t, "e2")
	env.seedNotification(t, "e3")

	resp := env.do(t, http.MethodPost, "/api/notifications/delete", idsRequest{IDs: []int64{a.ID, b.ID, 9999}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch delete status = %d, want 200", resp.StatusCode)
	}
	var del deletedResponse
	decodeJSON(t, resp, &del)
	if del.Deleted != 2 {
		t.Errorf("deleted = %d, want 2 (unknown ids skipped)", del.Deleted)
	}

	resp = env.do(t, http.MethodPost, "/api/notifications/delete", idsRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty ids status = %d, want 400", resp.StatusCode)
	}
}

func TestListParamValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/notifications?page=zero&page_size=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var er errorResponse
	decodeJSON(t, resp, &er)
	if er.Fields["page"] == "" || er.Fields["page_size"] == "" {
		t.Errorf("fields = %+v, want entries for page and page_size", er.Fields)
	}

	resp = env.do(t, http.MethodGet, "/api/notifications?sort_by=password_hash", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad sort status = %d, want 400", resp.StatusCode)
	}
}

func TestCaptureEndpoints(t *testing.T) {
	env := newTestEnv(t)

	c1, err := env.store.CreateCapture(context.Background(), "e1", nil, "capture_a.jpg")
	if err != nil {
		t.Fatalf("seed capture: %v", err)
	}
	c2, err := env.store.CreateCapture(context.Background(), "e2", nil, "capture_b.jpg")
	if err != nil {
		t.Fatalf("seed capture: %v", err)
	}

	resp := env.do(t, http.MethodGet, "/api/captures", nil)
	var list []captureResponse
	decodeJSON(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("got %d captures, want 2", len(list))
	}

	resp = env.do(t, http.MethodGet, "/api/captures/count", nil)
	var hits hitsResponse
	decodeJSON(t, resp, &hits)
	if hits.Hits != 2 {
		t.Errorf("hits = %d, want 2", hits.Hits)
	}

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/captures/%d", c1.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/captures/delete", idsRequest{IDs: []int64{c2.ID}})
	var del deletedResponse
	decodeJSON(t, resp, &del)
	if del.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", del.Deleted)
	}
}

func TestRegisterFCMDevice(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/devices", deviceRegistration{
		FCMToken:         "fcm-token-1",
		PhysicalDeviceID: "pixel-8",
		DeviceType:       "android",
		AppVersion:       "1.4.2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status statusResponse
	decodeJSON(t, resp, &status)
	if status.Status != "success" {
		t.Errorf("status = %q, want success", status.Status)
	}

	count, err := env.store.CountFCMDevices(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if count != 1 {
		t.Errorf("device count = %d, want 1", count)
	}

	resp = env.do(t, http.MethodPost, "/api/devices", deviceRegistration{DeviceType: "android"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", resp.StatusCode)
	}
	var er errorResponse
	decodeJSON(t, resp, &er)
	if er.Fields["fcm_token"] == "" || er.Fields["physical_device_id"] == "" {
		t.Errorf("fields = %+v, want entries for fcm_token and physical_device_id", er.Fields)
	}
}

func TestSettingsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/settings", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("settings before any update: status = %d, want 404", resp.StatusCode)
	}

	// Device offline: the update still lands in the store.
	body := map[string]any{"color": map[string]int{"r": 10, "g": 20, "b": 30}}
	resp = env.do(t, http.MethodPut, "/api/settings", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}
	var stored message.SettingsUpdate
	decodeJSON(t, resp, &stored)
	if stored.Color == nil || stored.Color.R != 10 {
		t.Fatalf("stored color = %+v, want r=10", stored.Color)
	}

	resp = env.do(t, http.MethodGet, "/api/settings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &stored)
	if stored.Color == nil || stored.Color.B != 30 {
		t.Errorf("round-tripped color = %+v, want b=30", stored.Color)
	}

	reqs := env.device.requests()
	if len(reqs) != 1 || reqs[0].Type != message.TypeSettingsRequest {
		t.Fatalf("device requests = %d, want one SETTINGS_REQUEST", len(reqs))
	}
	var sr message.SettingsRequest
	if err := reqs[0].DecodePayload(&sr); err != nil {
		t.Fatalf("decode forwarded payload: %v", err)
	}
	if sr.Type != message.SettingsChange {
		t.Errorf("forwarded type = %q, want %q", sr.Type, message.SettingsChange)
	}
}

func TestSettingsAdoptDeviceSnapshotFromAck(t *testing.T) {
	env := newTestEnv(t)

	env.device.respond(func(msg *message.Message) (*message.Message, error) {
		return message.NewReply(msg, message.TypeSettingsAck, message.SettingsSnapshot{
			Color:  message.Color{R: 1, G: 2, B: 3},
			Camera: message.CameraSnapshot{Bitrate: 2_000_000},
		})
	})

	resp := env.do(t, http.MethodPut, "/api/settings", map[string]any{
		"camera": map[string]any{"bitrate": 2_000_000},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}

	// The response carries the device's full snapshot, not the partial
	// update that was sent.
	var snap message.SettingsSnapshot
	decodeJSON(t, resp, &snap)
	if snap.Color.B != 3 {
		t.Errorf("snapshot color = %+v, want the device's b=3", snap.Color)
	}
	if snap.Camera.Bitrate != 2_000_000 {
		t.Errorf("snapshot bitrate = %d, want 2000000", snap.Camera.Bitrate)
	}
}

func TestStreamCommands(t *testing.T) {
	env := newTestEnv(t)

	// Offline device.
	resp := env.do(t, http.MethodPost, "/api/stream/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offline status = %d, want 503", resp.StatusCode)
	}

	env.device.respond(func(msg *message.Message) (*message.Message, error) {
		status := message.StatusStreaming
		if msg.Type == message.TypeStreamStop {
			status = message.StatusStopped
		}
		return message.NewReply(msg, message.TypeStreamAck, message.StreamAck{Status: status})
	})

	resp = env.do(t, http.MethodPost, "/api/stream/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	var status statusResponse
	decodeJSON(t, resp, &status)
	if status.Status != message.StatusStreaming {
		t.Errorf("start status = %q, want %q", status.Status, message.StatusStreaming)
	}

	resp = env.do(t, http.MethodPost, "/api/stream/stop", nil)
	decodeJSON(t, resp, &status)
	if status.Status != message.StatusStopped {
		t.Errorf("stop status = %q, want %q", status.Status, message.StatusStopped)
	}
}

func TestStreamDeviceErrorSurfaces(t *testing.T) {
	env := newTestEnv(t)

	env.device.respond(func(msg *message.Message) (*message.Message, error) {
		return message.NewReply(msg, message.TypeError, message.ErrorPayload{Error: "camera busy"})
	})

	resp := env.do(t, http.MethodPost, "/api/stream/start", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var er errorResponse
	decodeJSON(t, resp, &er)
	if er.Error != "camera busy" {
		t.Errorf("error = %q, want the device's reason", er.Error)
	}
}

func TestWebRTCRoomsWithoutBroker(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/webrtc/rooms", nil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(body)); got != "[]" {
		t.Errorf("rooms body = %q, want []", got)
	}

	resp = env.do(t, http.MethodGet, "/api/webrtc/rooms/doorbell/clients", nil)
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(body)); got != "[]" {
		t.Errorf("clients body = %q, want []", got)
	}
}
