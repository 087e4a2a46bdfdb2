package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

func newTestPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool := workerpool.New(2, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	calls atomic.Int64
}

func (f *fakeSender) Send(_ context.Context, token, _ string, _ map[string]string) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.sent = append(f.sent, token)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail[token]
	}
	return nil
}

type fakeTokens struct {
	tokens  []string
	mu      sync.Mutex
	deleted []string
}

func (f *fakeTokens) PushTokensForUser(context.Context, int64) ([]string, error) {
	return f.tokens, nil
}

func (f *fakeTokens) DeleteFCMToken(_ context.Context, token string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, token)
	f.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyFansOutToAllTokens(t *testing.T) {
	pool := newTestPool(t)
	sender := &fakeSender{}
	tokens := &fakeTokens{tokens: []string{"t1", "t2", "t3"}}

	svc := NewService(sender, tokens, pool, 100)
	svc.Notify(context.Background(), 7, "Doorbell Pressed", map[string]string{"id": "1"})

	waitFor(t, "all sends", func() bool { return sender.calls.Load() == 3 })
}

func TestUnregisteredTokenIsPruned(t *testing.T) {
	pool := newTestPool(t)
	sender := &fakeSender{fail: map[string]error{"dead": ErrUnregistered}}
	tokens := &fakeTokens{tokens: []string{"dead", "alive"}}

	svc := NewService(sender, tokens, pool, 100)
	svc.Notify(context.Background(), 7, "Motion Detected", nil)

	waitFor(t, "prune", func() bool {
		tokens.mu.Lock()
		defer tokens.mu.Unlock()
		return len(tokens.deleted) == 1 && tokens.deleted[0] == "dead"
	})
	waitFor(t, "both sends", func() bool { return sender.calls.Load() == 2 })
}

func TestTransientFailureIsNotPruned(t *testing.T) {
	pool := newTestPool(t)
	sender := &fakeSender{fail: map[string]error{"flaky": errors.New("connection reset")}}
	tokens := &fakeTokens{tokens: []string{"flaky"}}

	svc := NewService(sender, tokens, pool, 100)
	svc.Notify(context.Background(), 7, "Motion Detected", nil)

	waitFor(t, "send attempt", func() bool { return sender.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.deleted) != 0 {
		t.Fatalf("transient failure pruned tokens %v", tokens.deleted)
	}
}

func TestNotifyWithoutTargetsSendsNothing(t *testing.T) {
	pool := newTestPool(t)
	sender := &fakeSender{}

	svc := NewService(sender, &fakeTokens{}, pool, 100)
	svc.Notify(context.Background(), 7, "Motion Detected", nil)

	time.Sleep(20 * time.Millisecond)
	if got := sender.calls.Load(); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
}

func TestHTTPSenderDeliversPayload(t *testing.T) {
	var gotAuth string
	var gotBody fcmRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(fcmResponse{Success: 1, Results: []fcmResult{{MessageID: "m1"}}})
	}))
	defer srv.Close()

	s := NewHTTPSender(HTTPSenderConfig{Endpoint: srv.URL, ServerKey: "sk", MaxRetries: 0})
	err := s.Send(context.Background(), "tok-1", "Doorbell Pressed", map[string]string{"rpi_event_id": "e1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotAuth != "key=sk" {
		t.Fatalf("Authorization = %q, want key=sk", gotAuth)
	}
	if gotBody.To != "tok-1" {
		t.Fatalf("to = %q, want tok-1", gotBody.To)
	}
	if gotBody.Notification.Title != "Doorbell Pressed" {
		t.Fatalf("title = %q, want Doorbell Pressed", gotBody.Notification.Title)
	}
	if gotBody.Data["rpi_event_id"] != "e1" {
		t.Fatalf("data = %v, want rpi_event_id e1", gotBody.Data)
	}
}

func TestHTTPSenderMapsDeadTokenResults(t *testing.T) {
	for _, code := range []string{"NotRegistered", "InvalidRegistration"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(fcmResponse{Failure: 1, Results: []fcmResult{{Error: code}}})
		}))

		s := NewHTTPSender(HTTPSenderConfig{Endpoint: srv.URL, ServerKey: "sk", MaxRetries: 0})
		err := s.Send(context.Background(), "tok", "t", nil)
		srv.Close()

		if !errors.Is(err, ErrUnregistered) {
			t.Fatalf("%s: err = %v, want ErrUnregistered", code, err)
		}
	}
}

func TestHTTPSenderReportsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewHTTPSender(HTTPSenderConfig{Endpoint: srv.URL, ServerKey: "bad", MaxRetries: 0})
	err := s.Send(context.Background(), "tok", "t", nil)
	if err == nil {
		t.Fatal("401 response produced no error")
	}
	if errors.Is(err, ErrUnregistered) {
		t.Fatal("auth failure misclassified as dead token")
	}
}

func TestHTTPSenderRetriesTransientStatus(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(fcmResponse{Success: 1, Results: []fcmResult{{MessageID: "m1"}}})
	}))
	defer srv.Close()

	s := NewHTTPSender(HTTPSenderConfig{Endpoint: srv.URL, ServerKey: "sk", MaxRetries: 2})
	if err := s.Send(context.Background(), "tok", "t", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}
