package backchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/models"
)

func TestHTTPBackchannel_HealthStatus(t *testing.T) {
	lastPing := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/run-1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.HealthStatus{
			Status:       models.HealthRunning,
			LastPing:     &lastPing,
			CurrentRunID: "run-1",
		})
	}))
	defer srv.Close()

	bc := New(srv.URL, 0, zerolog.Nop())
	health, err := bc.HealthStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("HealthStatus: %v", err)
	}
	if health.Status != models.HealthRunning {
		t.Errorf("expected status running, got %q", health.Status)
	}
	if health.LastPing == nil || !health.LastPing.Equal(lastPing) {
		t.Errorf("unexpected last ping %v", health.LastPing)
	}
	if health.CurrentRunID != "run-1" {
		t.Errorf("unexpected current run id %q", health.CurrentRunID)
	}
}

func TestHTTPBackchannel_HealthStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	bc := New(srv.URL, 0, zerolog.Nop())
	_, err := bc.HealthStatus(context.Background(), "run-1")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should mention not found, got %q", err.Error())
	}
}

func TestHTTPBackchannel_HealthStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	bc := New(srv.URL, time.Second, zerolog.Nop())
	_, err := bc.HealthStatus(context.Background(), "run-1")
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("error should mention unreachable, got %q", err.Error())
	}
}

func TestHTTPBackchannel_Terminate(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bc := New(srv.URL, 0, zerolog.Nop())
	if err := bc.Terminate(context.Background(), "run-1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if gotPath != "/runs/run-1/kill" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
}

func TestHTTPBackchannel_TerminateMissingRunIsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	bc := New(srv.URL, 0, zerolog.Nop())
	if err := bc.Terminate(context.Background(), "run-1"); err != nil {
		t.Errorf("Terminate on missing run should succeed, got %v", err)
	}
}

func TestHTTPBackchannel_TerminateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bc := New(srv.URL, 0, zerolog.Nop())
	if err := bc.Terminate(context.Background(), "run-1"); err == nil {
		t.Error("expected error for server failure")
	}
}

func TestFactory_ForWorker(t *testing.T) {
	f := NewFactory(5*time.Second, zerolog.Nop())
	bc := f.ForWorker("http://worker-1:8080/")

	hb, ok := bc.(*HTTPBackchannel)
	if !ok {
		t.Fatalf("expected *HTTPBackchannel, got %T", bc)
	}
	if hb.BaseURL() != "http://worker-1:8080" {
		t.Errorf("trailing slash not trimmed: %q", hb.BaseURL())
	}
}
