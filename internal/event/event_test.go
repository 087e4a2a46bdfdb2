package event

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	first := New(Button, "rpi")
	second := New(Motion, "rpi")
	third := New(Face, "rpi")

	for _, e := range []Event{first, second, third} {
		if err := q.Push(ctx, e); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for i, want := range []string{first.ID, second.ID, third.ID} {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if got.ID != want {
			t.Fatalf("Pop %d = %s, want %s", i, got.ID, want)
		}
	}
}

func TestPushBlocksUntilContextDone(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	if err := q.Push(ctx, New(Motion, "rpi")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Push(blocked, New(Motion, "rpi"))
	if err != context.DeadlineExceeded {
		t.Fatalf("Push on full queue = %v, want DeadlineExceeded", err)
	}
}

func TestPushUnblocksWhenConsumerDrains(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := q.Push(ctx, New(Button, "rpi")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Push(ctx, New(Face, "rpi"))
	}()

	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Push returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after Pop")
	}

	got, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got.Type != Face {
		t.Fatalf("Pop type = %s, want face", got.Type)
	}
}

func TestPopHonorsContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Pop on empty queue = %v, want DeadlineExceeded", err)
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	a := New(Button, "rpi")
	b := New(Button, "rpi")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique, got %q and %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Fatal("timestamp must be set")
	}
	if a.Source != "rpi" {
		t.Fatalf("Source = %q", a.Source)
	}
}
