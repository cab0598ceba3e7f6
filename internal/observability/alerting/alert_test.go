package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "VaultPilot/internal/errors"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dispatcher := NewFanout(LogNotifier{}, NewWebhookNotifier(srv.URL, time.Second))
	event := EventFromError(xerrors.CodeTimeout, nil)
	event.OrderID = "order-1"
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case got := <-received:
		if got.Code != xerrors.CodeTimeout || got.OrderID != "order-1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook not called")
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}
