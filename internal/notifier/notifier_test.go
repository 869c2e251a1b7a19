package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"envfleet/internal/eventbus"
	"envfleet/internal/report"
	"envfleet/internal/task/scheduler"
	logx "envfleet/pkg/logx"
)

type captureTransport struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
	got   chan string
}

func newCapture(fails int) *captureTransport {
	return &captureTransport{fails: fails, got: make(chan string, 16)}
}

func (c *captureTransport) Send(_ context.Context, _ Target, text string) error {
	c.mu.Lock()
	c.calls++
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return errors.New("telegram: 502")
	}
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	c.got <- text
	return nil
}

func testConfig() Config {
	return Config{Enabled: true, ChatID: 42, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func failingRun() report.Summary {
	return report.Summary{
		RunID: "r-1", Mode: "per-environment", Limit: 2, Admitted: 2, Completed: 1, Failed: 1, Total: 2,
		Routines: []string{"idle"},
		Outcomes: []report.Outcome{
			{EnvID: "env-1", EnvName: "Env 1", Routine: "idle", OK: true},
			{EnvID: "env-2", EnvName: "<Env 2>", Routine: "idle", Error: "boom"},
		},
	}
}

func waitSent(t *testing.T, c *captureTransport) string {
	t.Helper()
	select {
	case s := <-c.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return ""
	}
}

func TestShouldNotify(t *testing.T) {
	t.Parallel()
	clean := report.Summary{Completed: 3, Total: 3}
	cases := []struct {
		policy string
		sum    report.Summary
		want   bool
	}{
		{NotifyAlways, clean, true},
		{NotifyNever, failingRun(), false},
		{NotifyFailures, clean, false},
		{NotifyFailures, failingRun(), true},
		{"", report.Summary{Stopped: true}, true},
		{"failures", report.Summary{Warnings: []string{"env-1 may still be running"}}, true},
	}
	for _, tc := range cases {
		if got := ShouldNotify(tc.policy, tc.sum); got != tc.want {
			t.Fatalf("ShouldNotify(%q, %+v) = %v, want %v", tc.policy, tc.sum, got, tc.want)
		}
	}
}

func TestFormatSummaryEscapesAndListsFailures(t *testing.T) {
	t.Parallel()
	text := FormatSummary(failingRun())
	for _, want := range []string{"<b>run r-1</b>", "completed 1, failed 1", "&lt;Env 2&gt; / idle: boom"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Env 1 /") {
		t.Fatalf("successful outcome listed as failure:\n%s", text)
	}
}

func TestRunSendsFinishedSummary(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	tr := newCapture(1)
	svc := New(testConfig(), tr, bus, logx.Nop())
	sent, unsub := bus.Subscribe(4, EventSent)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Publish until Run has subscribed and the summary comes through.
	deadline := time.Now().Add(2 * time.Second)
	var text string
	for text == "" {
		bus.Publish(eventbus.Event{Type: scheduler.EventFinished, Data: failingRun()})
		select {
		case text = <-tr.got:
		case <-time.After(20 * time.Millisecond):
		}
		if text == "" && time.Now().After(deadline) {
			t.Fatal("summary never sent")
		}
	}
	if !strings.Contains(text, "run r-1") {
		t.Fatalf("sent %q", text)
	}
	select {
	case ev := <-sent:
		if ev.Data.(Event).Kind != kindRun {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notifier.sent event")
	}
	tr.mu.Lock()
	calls := tr.calls
	tr.mu.Unlock()
	if calls < 2 {
		t.Fatalf("calls = %d, want a retry after the first failure", calls)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestSendTextDedupAndDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	tr := newCapture(0)
	svc := New(cfg, tr, nil, logx.Nop())
	ctx := context.Background()

	for range 3 {
		if err := svc.SendText(ctx, "db <down>"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	if n := len(svc.queue); n != 1 {
		t.Fatalf("queued = %d, want 1 after dedup", n)
	}
	svc.deliver(ctx, <-svc.queue)
	if got := waitSent(t, tr); got != "db &lt;down&gt;" {
		t.Fatalf("sent %q", got)
	}

	cfg.Enabled = false
	svc.Apply(cfg)
	if err := svc.SendText(ctx, "other"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled SendText = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	svc := New(cfg, newCapture(0), nil, logx.Nop())
	if err := svc.SendText(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendText(context.Background(), "b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second SendText = %v, want ErrQueueFull", err)
	}
}

func TestTelegramTransport(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		body map[string]any
	)
	r := chi.NewRouter()
	r.Post("/bot{token}/sendMessage", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(req.Body).Decode(&body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"},"text":"hi"}}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tg, err := NewTelegram("123:abc", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.Send(context.Background(), Target{ChatID: 42, ThreadID: 5}, "<b>hi</b>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if body["text"] != "<b>hi</b>" || body["parse_mode"] != "HTML" {
		t.Fatalf("body = %v", body)
	}

	if _, err := NewTelegram(" ", "", 0); err == nil {
		t.Fatal("expected empty token error")
	}
}
