package agent

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
)

func testConfig(endpoint string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.APIKey = "0123456789abcdef"
	cfg.ProjectID = "proj-1"
	cfg.Endpoint = endpoint
	cfg.BufferSize = 10
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.RuleInterval = time.Hour
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestAgentIsASingletonPerIdentity(t *testing.T) {
	ResetRegistry()
	cfg := testConfig("https://example.invalid")

	h1, err := Agent(cfg, Options{})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	h2, err := Agent(cfg, Options{})
	if err != nil {
		t.Fatalf("Agent (second call): %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same identity to return the same handler instance")
	}
}

func TestAgentRejectsConflictingConfigForSameIdentity(t *testing.T) {
	ResetRegistry()
	cfg := testConfig("https://example.invalid")
	if _, err := Agent(cfg, Options{}); err != nil {
		t.Fatalf("Agent: %v", err)
	}

	conflicting := cfg
	conflicting.BufferSize = cfg.BufferSize + 1
	_, err := Agent(conflicting, Options{})
	if err == nil {
		t.Fatal("expected a ConfigConflictError for a second call with a different config")
	}
	if _, ok := err.(*ConfigConflictError); !ok {
		t.Fatalf("expected *ConfigConflictError, got %T", err)
	}
}

func TestHandlerFlushesEventsToTransport(t *testing.T) {
	ResetRegistry()

	var eventRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/events/encrypted":
			eventRequests.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := Agent(testConfig(srv.URL), Options{})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(t.Context())

	h.SendEvent(t.Context(), telemetry.SecurityEvent{EventType: telemetry.EventIPBanned, IPAddress: "1.2.3.4", Reason: "test"})

	deadline := time.After(2 * time.Second)
	for eventRequests.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the event to be delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandlerDisabledEventsAreDropped(t *testing.T) {
	ResetRegistry()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/events/encrypted" || r.URL.Path == "/api/v1/metrics/encrypted" {
			requests.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.EnableEvents = false

	h, err := Agent(cfg, Options{})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(t.Context())

	h.SendEvent(t.Context(), telemetry.SecurityEvent{Reason: "dropped"})
	time.Sleep(50 * time.Millisecond)

	if stats := h.Stats(); stats["events_received"].(uint64) != 0 {
		t.Fatalf("expected the disabled pipeline to never touch the buffer, got %v", stats["events_received"])
	}
	if requests.Load() != 0 {
		t.Fatal("expected no HTTP requests for a disabled event pipeline")
	}
}

func TestHandlerStatusReflectsRunningState(t *testing.T) {
	ResetRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()

	h, err := Agent(testConfig(srv.URL), Options{})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}

	if h.State() != telemetry.StatusStopped {
		t.Fatalf("State() before Start = %v, want %v", h.State(), telemetry.StatusStopped)
	}

	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.State() != telemetry.StatusHealthy {
		t.Fatalf("State() after Start = %v, want %v", h.State(), telemetry.StatusHealthy)
	}

	if err := h.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.State() != telemetry.StatusStopped {
		t.Fatalf("State() after Stop = %v, want %v", h.State(), telemetry.StatusStopped)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ResetRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()

	h, err := Agent(testConfig(srv.URL), Options{})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer h.Stop(t.Context())

	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("second Start on an already-running handler should be a no-op, got: %v", err)
	}
}
