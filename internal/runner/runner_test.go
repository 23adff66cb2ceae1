package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunner_WorkSuccess(t *testing.T) {
	var gotPath, gotCampaign string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCampaign = r.URL.Query().Get("campaign")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, time.Second, zerolog.Nop())
	work := r.Work("dulwich_bullseye", "lintian-fixes")
	if err := work(context.Background()); err != nil {
		t.Fatalf("work: %v", err)
	}
	if gotPath != "/generate/dulwich_bullseye" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotCampaign != "lintian-fixes" {
		t.Errorf("unexpected campaign %q", gotCampaign)
	}
}

func TestRunner_WorkGeneratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such codebase", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := New(srv.URL, time.Second, zerolog.Nop())
	err := r.Work("nope", "")(context.Background())
	if err == nil {
		t.Fatal("expected error for generator failure")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error should carry the status, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "no such codebase") {
		t.Errorf("error should carry the response body, got %q", err.Error())
	}
}

func TestRunner_WorkCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := New(srv.URL, time.Minute, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Work("dulwich", "")(ctx)
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work did not return after cancellation")
	}
}
