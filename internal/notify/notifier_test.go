package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingSender struct{}

func (failingSender) Send(context.Context, *model.Notification) error {
	return errors.New("boom")
}

func (failingSender) Name() string { return "failing" }

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(accountID, eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, accountID+":"+eventType)
}

func TestNotifier_InboxReceivesMessage(t *testing.T) {
	ms := store.NewMemoryStore()
	n := notify.NewNotifier([]notify.Sender{notify.NewInboxSender(ms)}, quietLogger())

	if err := n.Notify(context.Background(), "acct-1", "Trade won", "BTC/USD paid 185.00", model.SeveritySuccess); err != nil {
		t.Fatalf("notify: %v", err)
	}

	list, err := ms.ListNotifications(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("inbox len = %d, want 1", len(list))
	}
	if list[0].Title != "Trade won" || list[0].Severity != model.SeveritySuccess || list[0].Read {
		t.Errorf("unexpected notification: %+v", list[0])
	}
	if list[0].ID == "" || list[0].CreatedAt.IsZero() {
		t.Error("notification missing id or timestamp")
	}
}

func TestNotifier_FailureDoesNotStopOtherSenders(t *testing.T) {
	ms := store.NewMemoryStore()
	pub := &recordingPublisher{}
	n := notify.NewNotifier([]notify.Sender{
		failingSender{},
		notify.NewInboxSender(ms),
		notify.NewHubSender(pub),
	}, quietLogger())

	err := n.Notify(context.Background(), "acct-1", "Deposit approved", "", model.SeverityInfo)
	if err == nil {
		t.Fatal("expected joined error from failing sender")
	}

	list, _ := ms.ListNotifications(context.Background(), "acct-1")
	if len(list) != 1 {
		t.Errorf("inbox len = %d, want 1", len(list))
	}
	if len(pub.events) != 1 || pub.events[0] != "acct-1:notification" {
		t.Errorf("published = %v", pub.events)
	}
}

func TestWebhookSender_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := notify.NewWebhookSender(srv.URL, time.Second)
	err := s.Send(context.Background(), &model.Notification{
		ID: "n1", AccountID: "acct-1", Title: "Withdrawal rejected",
		Severity: model.SeverityWarning, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["account_id"] != "acct-1" || got["title"] != "Withdrawal rejected" || got["severity"] != "warning" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := notify.NewWebhookSender(srv.URL, time.Second)
	if err := s.Send(context.Background(), &model.Notification{ID: "n1"}); err == nil {
		t.Fatal("expected error for 502")
	}
}
