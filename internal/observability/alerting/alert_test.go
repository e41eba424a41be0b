package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	dispatcher := NewFanout(a, nil, b)

	err := dispatcher.Notify(context.Background(), Event{Code: "PARENT_NOT_FOUND"})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both channels to receive the event: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	event := Event{
		Code:       "PERSIST_FAILED",
		Severity:   xerrors.SeverityCritical,
		RecordType: "WorkflowRun",
		RecordID:   "run-1",
		Attempts:   5,
		OccurredAt: time.Now(),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.RecordID != "run-1" || received.Code != "PERSIST_FAILED" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Code: "AMBIGUOUS_PARENT", Metadata: map[string]string{"matches": "2"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
