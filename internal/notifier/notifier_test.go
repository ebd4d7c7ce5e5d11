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

	"twitchrise/internal/eventbus"
	kit "twitchrise/internal/transport"
	logx "twitchrise/pkg/logx"
)

type fakeURLSender struct {
	mu   sync.Mutex
	sent map[string][]Message
	fail map[string]error
}

func newFakeURLSender() *fakeURLSender {
	return &fakeURLSender{sent: map[string][]Message{}, fail: map[string]error{}}
}

func (f *fakeURLSender) Name() string { return "fake" }

func (f *fakeURLSender) Verify(url string) error {
	if !strings.Contains(url, "://") {
		return errors.New("bad url")
	}
	return nil
}

func (f *fakeURLSender) Send(_ context.Context, url string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return err
	}
	f.sent[url] = append(f.sent[url], msg)
	return nil
}

func (f *fakeURLSender) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[url])
}

type fakeChat struct {
	mu    sync.Mutex
	texts map[int64][]string
	err   error
}

func (c *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return kit.MessageRef{}, c.err
	}
	if c.texts == nil {
		c.texts = map[int64][]string{}
	}
	c.texts[to.ChatID] = append(c.texts[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (c *fakeChat) count(chat int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts[chat])
}

func newTestService(t *testing.T, chat kit.Sender, sender URLSender, bus eventbus.Bus) *Service {
	t.Helper()
	s, err := New(Config{Workers: 2, QueueSize: 8, RatePerSec: 1000, Timeout: time.Second}, chat, logx.Nop(), bus, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.sender = sender
	s.disp = NewDispatcher(sender, time.Second, logx.Nop(), nil)
	return s
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	t.Parallel()

	f := newFakeURLSender()
	f.fail["bad://x"] = errors.New("boom")
	d := NewDispatcher(f, time.Second, logx.Nop(), nil)

	rep := d.Notify(context.Background(), []string{"ok://a", "bad://x", "ok://b"}, Message{Title: "t", Body: "b"})
	if rep.Failed() != 1 {
		t.Fatalf("Failed() = %d, want 1", rep.Failed())
	}
	if rep.Results[1].Err == nil || rep.Results[0].Err != nil || rep.Results[2].Err != nil {
		t.Fatalf("results out of order: %+v", rep.Results)
	}
	if f.count("ok://a") != 1 || f.count("ok://b") != 1 {
		t.Fatalf("healthy endpoints not delivered: %v", f.sent)
	}
	if err := rep.Err(); err == nil || !strings.Contains(err.Error(), "bad://x") {
		t.Fatalf("Err() = %v", err)
	}
}

func TestServiceDeliversToChatAndEndpoints(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	chat := &fakeChat{}
	f := newFakeURLSender()
	f.fail["bad://a"] = errors.New("down")
	s := newTestService(t, chat, f, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	msg := Message{Title: "🔴 bar is now LIVE!", Body: "hello\nhttps://twitch.tv/bar"}
	if _, err := s.Enqueue(ctx, Alert{ChatID: 1, Endpoints: []string{"bad://a"}, Message: msg}); err != nil {
		t.Fatalf("Enqueue(A) error = %v", err)
	}
	if _, err := s.Enqueue(ctx, Alert{ChatID: 2, Endpoints: []string{"ok://b"}, Message: msg}); err != nil {
		t.Fatalf("Enqueue(B) error = %v", err)
	}

	seen := map[string]int{}
	timeout := time.After(2 * time.Second)
	for seen[eventbus.TypeAlertDelivered]+seen[eventbus.TypeAlertFailed] < 2 {
		select {
		case ev := <-events:
			seen[ev.Type]++
		case <-timeout:
			t.Fatalf("timed out waiting for alert outcomes: %v", seen)
		}
	}
	if seen[eventbus.TypeAlertDelivered] != 1 || seen[eventbus.TypeAlertFailed] != 1 {
		t.Fatalf("outcomes = %v, want one delivered and one failed", seen)
	}
	if chat.count(1) != 1 || chat.count(2) != 1 {
		t.Fatalf("both chats must get the alert: %v", chat.texts)
	}
	if f.count("ok://b") != 1 {
		t.Fatalf("user B endpoint not delivered")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if _, err := s.Enqueue(ctx, Alert{ChatID: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() after Stop error = %v, want ErrStopped", err)
	}
}

func TestStopDrainsAfterParentCancel(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	s := newTestService(t, chat, newFakeURLSender(), nil)
	s.SetRate(4)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for i := range 8 {
		if _, err := s.Enqueue(ctx, Alert{ChatID: 9, Message: Message{Title: "t", Body: "b"}}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	// shutdown cancels the parent context before the notifier is stopped
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if got := chat.count(9); got != 8 {
		t.Fatalf("delivered %d alerts, want 8", got)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	s := newTestService(t, &fakeChat{}, newFakeURLSender(), nil)
	// accept without workers so nothing drains
	s.queue = make(chan Alert, 1)
	s.accepting = true

	ctx := context.Background()
	id, err := s.Enqueue(ctx, Alert{ChatID: 1})
	if err != nil || id == "" {
		t.Fatalf("Enqueue() = %q, %v", id, err)
	}
	if _, err := s.Enqueue(ctx, Alert{ChatID: 1}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeChat{}, newFakeURLSender(), nil)
	if _, err := s.Enqueue(context.Background(), Alert{ChatID: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() error = %v, want ErrStopped", err)
	}
}

func TestServiceTest(t *testing.T) {
	t.Parallel()

	f := newFakeURLSender()
	f.fail["bad://x"] = errors.New("unreachable")
	s := newTestService(t, nil, f, nil)

	if err := s.Test(context.Background(), "ok://x"); err != nil {
		t.Fatalf("Test(ok) error = %v", err)
	}
	if got := f.sent["ok://x"][0].Title; got != "Test Notification" {
		t.Fatalf("test title = %q", got)
	}
	if err := s.Test(context.Background(), "bad://x"); err == nil {
		t.Fatalf("Test(bad) error = nil")
	}
	if err := s.Test(context.Background(), "no-scheme"); err == nil {
		t.Fatalf("Test(no-scheme) error = nil")
	}
}

func TestAppriseSender(t *testing.T) {
	t.Parallel()

	var got appriseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notify/" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if strings.HasPrefix(got.URLs, "bad://") {
			http.Error(w, "no such service", http.StatusFailedDependency)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender, err := NewURLSender(Config{Backend: BackendApprise, AppriseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewURLSender() error = %v", err)
	}
	msg := Message{Title: "hi", Body: "there"}
	if err := sender.Send(context.Background(), "ntfy://topic", msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.URLs != "ntfy://topic" || got.Title != "hi" || got.Body != "there" {
		t.Fatalf("apprise payload = %+v", got)
	}
	if err := sender.Send(context.Background(), "bad://x", msg); err == nil || !strings.Contains(err.Error(), "424") {
		t.Fatalf("Send(bad) error = %v, want status 424", err)
	}
}

func TestNewURLSenderValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewURLSender(Config{Backend: BackendApprise}); err == nil {
		t.Fatalf("apprise without url accepted")
	}
	if _, err := NewURLSender(Config{Backend: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}

func TestShoutrrrSender(t *testing.T) {
	t.Parallel()

	s, err := NewURLSender(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("notaservice://x"); err == nil {
		t.Fatalf("Verify(unknown scheme) error = nil")
	}
	if err := s.Verify("logger://"); err != nil {
		t.Fatalf("Verify(logger://) error = %v", err)
	}
	if err := s.Send(context.Background(), "logger://", Message{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Send(logger://) error = %v", err)
	}
}

func TestChatMessageLinksURLs(t *testing.T) {
	t.Parallel()
	m := ChatMessage(Message{Title: "⚫ foo has gone offline.", Body: "foo is no longer streaming.\nhttps://twitch.tv/foo"})
	want := "<b>⚫ foo has gone offline.</b>\nfoo is no longer streaming.\n" +
		`<a href="https://twitch.tv/foo">https://twitch.tv/foo</a>`
	if m.Text != want {
		t.Fatalf("ChatMessage() = %q, want %q", m.Text, want)
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"discord://token@12345":       "discord://12345/…",
		"ntfy://ntfy.sh/topic":        "ntfy://ntfy.sh/…",
		"garbage":                     "invalid",
		"tgram://bot:secret@/chat_id": "tgram://",
	}
	for in, want := range tests {
		if got := redact(in); got != want {
			t.Fatalf("redact(%q) = %q, want %q", in, got, want)
		}
	}
}
