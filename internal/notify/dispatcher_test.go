package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/model"
)

func TestDispatcher_DeliversToWebhook(t *testing.T) {
	received := make(chan model.Event, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}

		var e model.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- e
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	d := NewDispatcher(ts.URL, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch(model.Event{Type: model.EventWaitlistNotified, ParentID: "p1", EntryID: "e1"})

	select {
	case e := <-received:
		if e.Type != model.EventWaitlistNotified || e.EntryID != "e1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not delivered")
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewDispatcher(ts.URL, 1, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.deliver(ctx, model.Event{Type: model.EventBookingCancelled}); err != nil {
		t.Fatalf("deliver error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher("", 1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		d.Dispatch(model.Event{Type: model.EventBookingConfirmed})
		d.Dispatch(model.Event{Type: model.EventBookingCancelled})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Dispatch blocked on a full queue")
	}

	if len(d.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(d.queue))
	}
}

func TestDispatcher_LogsWithoutWebhook(t *testing.T) {
	d := NewDispatcher("", 1, zap.NewNop())

	if err := d.deliver(context.Background(), model.Event{Type: model.EventBookingCompleted}); err != nil {
		t.Fatalf("deliver without webhook returned %v", err)
	}
}
