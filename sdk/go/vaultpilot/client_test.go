package vaultpilot

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
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRequestsRequireIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})
	if _, err := client.GetExecution(context.Background(), "exec-1"); err == nil {
		t.Fatal("expected error without token or owner")
	}
}

func TestStartExecutionSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/executions" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		if r.Header.Get(OwnerHeader) != "" {
			t.Fatal("owner header must not be sent with a token")
		}
		var req ExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.StrategyType != "transfer" || req.Input["amount"] != "1.5" {
			t.Fatalf("unexpected body: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Execution{ID: "exec-1", Status: "PENDING"})
	})
	client.SetAccessToken("token")
	client.SetOwner("alice")

	e, err := client.StartExecution(context.Background(), ExecutionRequest{
		StrategyType: "transfer",
		Address:      "0x00000000000000000000000000000000000000a1",
		Input:        map[string]any{"amount": "1.5"},
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if e.ID != "exec-1" || e.Terminal() {
		t.Fatalf("unexpected execution: %+v", e)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(OwnerHeader); got != "alice" {
			t.Fatalf("expected owner header, got %q", got)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "EXECUTION_NOT_FOUND", "message": "missing"},
		})
	})
	client.SetOwner("alice")

	_, err := client.GetExecution(context.Background(), "exec-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "EXECUTION_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitExecutionStopsAtApproval(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		status := "SIMULATION"
		if polls.Add(1) >= 3 {
			status = "APPROVAL_REQUIRED"
		}
		_ = json.NewEncoder(w).Encode(Execution{ID: "exec-1", Status: status, ApprovalID: "appr-1"})
	})
	client.SetOwner("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := client.WaitExecution(ctx, "exec-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait execution: %v", err)
	}
	if e.Status != "APPROVAL_REQUIRED" || polls.Load() != 3 {
		t.Fatalf("unexpected result: status=%s polls=%d", e.Status, polls.Load())
	}
}

func TestOrderActions(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(Order{ID: "order-1", Status: "paused"})
	})
	client.SetOwner("alice")

	ctx := context.Background()
	if _, err := client.PauseOrder(ctx, "order-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := client.RevokeDelegation(ctx, "order-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := client.ResumeOrder(ctx, "order-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"/api/v1/orders/order-1/pause", "/api/v1/orders/order-1/revoke", "/api/v1/orders/order-1/resume"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("request %d: expected %s, got %s", i, want[i], paths[i])
		}
	}
}
