package commands

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"twitchrise/internal/monitor"
	"twitchrise/internal/storage"
	kit "twitchrise/internal/transport"
	logx "twitchrise/pkg/logx"
)

type sentMsg struct {
	chat int64
	text string
	html bool
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sentMsg
	menu []kit.BotCommand
}

func (c *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMsg{chat: to.ChatID, text: text, html: opt != nil && opt.ParseMode == kit.ParseModeHTML})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.sent)}, nil
}

func (c *fakeChat) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.menu = cmds
	return nil
}

func (c *fakeChat) last(t *testing.T) sentMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatalf("no reply sent")
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeChat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeWatcher struct {
	mu     sync.Mutex
	probes []string
	status monitor.Status
}

func (w *fakeWatcher) Probe(_ context.Context, user int64, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.probes = append(w.probes, name)
}

func (w *fakeWatcher) Status() monitor.Status { return w.status }

type fakeTester struct {
	tested []string
	fail   error
}

func (f *fakeTester) Verify(string) error { return nil }

func (f *fakeTester) Test(_ context.Context, url string) error {
	f.tested = append(f.tested, url)
	return f.fail
}

type harness struct {
	mgr     *Manager
	chat    *fakeChat
	watcher *fakeWatcher
	tester  *fakeTester
	store   storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "w.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h := &harness{
		chat:    &fakeChat{},
		watcher: &fakeWatcher{},
		tester:  &fakeTester{},
		store:   st,
	}
	h.mgr = New(Config{Timeout: 5 * time.Second}, Deps{
		Store:     st,
		Watcher:   h.watcher,
		Endpoints: h.tester,
		Chat:      h.chat,
	}, logx.Nop(), nil)
	return h
}

// say runs text as chat 100 and returns the last reply.
func (h *harness) say(t *testing.T, text string) sentMsg {
	t.Helper()
	before := h.chat.count()
	h.mgr.Handle(context.Background(), kit.Update{Message: &kit.Message{ChatID: 100, FromID: 7, Text: text}})
	if h.chat.count() == before {
		t.Fatalf("%q produced no reply", text)
	}
	return h.chat.last(t)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{in: "/add foo", wantName: "add", wantArgs: []string{"foo"}, wantOK: true},
		{in: "/ADD@TwitchriseBot  foo ", wantName: "add", wantArgs: []string{"foo"}, wantOK: true},
		{in: `/setapprise "ntfy://ntfy.sh/a b"`, wantName: "setapprise", wantArgs: []string{"ntfy://ntfy.sh/a b"}, wantOK: true},
		{in: "/list", wantName: "list", wantArgs: []string{}, wantOK: true},
		{in: `/setapprise json://host/p?q="x"`, wantName: "setapprise", wantArgs: []string{`json://host/p?q="x"`}, wantOK: true},
		{in: `/setapprise ntfy://ntfy.sh/it's\topic`, wantName: "setapprise", wantArgs: []string{`ntfy://ntfy.sh/it's\topic`}, wantOK: true},
		{in: `/setapprise 'ntfy://a b`, wantName: "setapprise", wantArgs: []string{`'ntfy://a b`}, wantOK: true},
		{in: "yes", wantOK: false},
		{in: "/", wantOK: false},
		{in: "", wantOK: false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if ok != tt.wantOK || name != tt.wantName {
			t.Fatalf("parseCommand(%q) = %q, %v, %v", tt.in, name, args, ok)
		}
		if ok && !slices.Equal(args, tt.wantArgs) {
			t.Fatalf("parseCommand(%q) args = %q, want %q", tt.in, args, tt.wantArgs)
		}
	}
}

func TestWatchlistCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	steps := []struct {
		in   string
		want string
	}{
		{"/list", "📭 Your watchlist is empty."},
		{"/add", "Usage: /add <channel_name>"},
		{"/add a b", "Usage: /add <channel_name>"},
		{"/add Foo", "✅ Added foo to your watchlist."},
		{"/add FOO", "⚠️ foo is already in your watchlist."},
		{"/remove ghost", "⚠️ ghost is not in your watchlist."},
		{"/add bar", "✅ Added bar to your watchlist."},
		{"/remove foo", "🗑 Removed foo from your watchlist."},
		{"/nope", "❓ Unknown command. Try /help"},
	}
	for _, s := range steps {
		if got := h.say(t, s.in).text; got != s.want {
			t.Fatalf("%s replied %q, want %q", s.in, got, s.want)
		}
	}

	got := h.say(t, "/list")
	if !got.html || got.text != "📜 Your watchlist: (tap to copy)\n• <code>bar</code>" {
		t.Fatalf("/list = %+v", got)
	}
	if !slices.Equal(h.watcher.probes, []string{"foo", "bar"}) {
		t.Fatalf("probes = %v, want [foo bar]", h.watcher.probes)
	}
}

func TestAddRejectsInvalidName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	got := h.say(t, "/add bad-name!").text
	if !strings.HasPrefix(got, "⚠️ Invalid channel") || !strings.HasSuffix(got, "Usage: /add <channel_name>") {
		t.Fatalf("/add invalid = %q", got)
	}
	channels, _ := h.store.ListChannels(context.Background(), 100)
	if len(channels) != 0 {
		t.Fatalf("invalid name stored: %v", channels)
	}
	if len(h.watcher.probes) != 0 {
		t.Fatalf("invalid add probed")
	}
}

func TestEndpointCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if got := h.say(t, "/listapprise").text; got != "📭 You have no saved Apprise URLs." {
		t.Fatalf("/listapprise empty = %q", got)
	}
	for _, u := range []string{"discord://a", "ntfy://b"} {
		if err := h.store.AddEndpoint(ctx, 100, u); err != nil {
			t.Fatal(err)
		}
	}

	got := h.say(t, "/listapprise")
	want := "🔗 Your saved Apprise URLs: (tap to copy)\n(1) <code>discord://a</code>\n(2) <code>ntfy://b</code>"
	if !got.html || got.text != want {
		t.Fatalf("/listapprise = %q", got.text)
	}

	steps := []struct {
		in   string
		want string
	}{
		{"/rmapprise", "Usage: /rmapprise <number>"},
		{"/rmapprise two", "⚠️ Please provide a valid number."},
		{"/rmapprise 0", "⚠️ Invalid number. Use /listapprise to see saved URLs."},
		{"/rmapprise 3", "⚠️ Invalid number. Use /listapprise to see saved URLs."},
		{"/rmapprise 1", "🗑 Removed Apprise URL:\ndiscord://a"},
	}
	for _, s := range steps {
		if got := h.say(t, s.in).text; got != s.want {
			t.Fatalf("%s replied %q, want %q", s.in, got, s.want)
		}
	}
	left, _ := h.store.ListEndpoints(ctx, 100)
	if !slices.Equal(left, []string{"ntfy://b"}) {
		t.Fatalf("endpoints after removal = %v", left)
	}
}

func TestSetEndpointConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	got := h.say(t, "/setapprise ntfy://ntfy.sh/topic").text
	if !strings.HasPrefix(got, "✅ Test notification sent successfully.") {
		t.Fatalf("/setapprise = %q", got)
	}
	if !slices.Equal(h.tester.tested, []string{"ntfy://ntfy.sh/topic"}) {
		t.Fatalf("tested = %v", h.tester.tested)
	}
	eps, _ := h.store.ListEndpoints(ctx, 100)
	if len(eps) != 0 {
		t.Fatalf("saved before confirmation: %v", eps)
	}

	if got := h.say(t, "Yes").text; got != "💾 Saved your Apprise URL." {
		t.Fatalf("confirm = %q", got)
	}
	eps, _ = h.store.ListEndpoints(ctx, 100)
	if !slices.Equal(eps, []string{"ntfy://ntfy.sh/topic"}) {
		t.Fatalf("endpoints = %v", eps)
	}

	// plain text with nothing pending is ignored
	before := h.chat.count()
	h.mgr.Handle(ctx, kit.Update{Message: &kit.Message{ChatID: 100, Text: "yes"}})
	if h.chat.count() != before {
		t.Fatalf("plain text without a pending confirmation got a reply")
	}

	h.say(t, "/setapprise discord://x")
	if got := h.say(t, "nah").text; got != "❌ Not saved." {
		t.Fatalf("decline = %q", got)
	}
	eps, _ = h.store.ListEndpoints(ctx, 100)
	if len(eps) != 1 {
		t.Fatalf("declined url stored: %v", eps)
	}

	h.say(t, "/setapprise discord://y")
	if got := h.say(t, "/cancel").text; got != "❌ Operation cancelled." {
		t.Fatalf("/cancel = %q", got)
	}
	if h.mgr.pending.has(100) {
		t.Fatalf("pending survived /cancel")
	}
}

func TestSetEndpointTestFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tester.fail = errors.New("connection refused")

	got := h.say(t, "/setapprise ntfy://down").text
	if !strings.HasPrefix(got, "❌ The Apprise URL did not work.") || !strings.Contains(got, "connection refused") {
		t.Fatalf("/setapprise failure = %q", got)
	}
	if h.mgr.pending.has(100) {
		t.Fatalf("failed url left pending")
	}
	if got := h.say(t, "/setapprise not-a-url").text; !strings.Contains(got, "missing scheme") {
		t.Fatalf("/setapprise invalid = %q", got)
	}
}

func TestPendingExpires(t *testing.T) {
	t.Parallel()

	p := newPendingStore(time.Minute)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	p.put(1, "ntfy://x")
	if !p.has(1) {
		t.Fatalf("has() = false right after put")
	}
	now = now.Add(2 * time.Minute)
	if p.has(1) {
		t.Fatalf("has() = true after ttl")
	}
	if _, ok := p.take(1); ok {
		t.Fatalf("take() returned an expired url")
	}
}

func TestPanicBecomesReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mgr.setRegistry(append(h.mgr.Commands(), Command{
		Name: "boom", Description: "explodes", Usage: "/boom",
		Handle: func(context.Context, *Request) error { panic("kaboom") },
	}))

	got := h.say(t, "/boom").text
	if got != "⚠️ Something went wrong, please try again later." {
		t.Fatalf("/boom = %q", got)
	}
}

func TestStatusAndHelp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.watcher.status = monitor.Status{
		LastTick: time.Now().Add(-5 * time.Second), LastResult: monitor.ResultOK,
		Watched: 3, Live: 1, Interval: time.Minute,
	}

	got := h.say(t, "/status").text
	for _, want := range []string{"Monitor status", "<b>watched channels</b>: 3", "<b>live now</b>: 1", "1m0s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("/status missing %q:\n%s", want, got)
		}
	}

	help := h.say(t, "/help").text
	for _, c := range h.mgr.Commands() {
		if !strings.Contains(help, c.Name) {
			t.Fatalf("/help missing %s:\n%s", c.Name, help)
		}
	}
	if !strings.Contains(help, "<code>/add &lt;channel_name&gt;</code>") {
		t.Fatalf("/help does not escape usage:\n%s", help)
	}

	h.mgr.UpdateMenu(context.Background())
	if len(h.chat.menu) != len(h.mgr.Commands()) || h.chat.menu[0].Command != "start" {
		t.Fatalf("menu = %+v", h.chat.menu)
	}
}

func TestStartCreatesUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.say(t, "/start").text; !strings.HasPrefix(got, "👋 Welcome") {
		t.Fatalf("/start = %q", got)
	}
	snap, _ := h.store.Snapshot(context.Background())
	if len(snap) != 1 || snap[0].ChatID != 100 {
		t.Fatalf("snapshot after /start = %+v", snap)
	}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- h.mgr.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Message: &kit.Message{ChatID: 5, Text: "/add foo"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: 5, Text: "just chatting"}}

	deadline := time.Now().Add(2 * time.Second)
	for h.chat.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no reply from dispatch loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop() error = %v", err)
	}
	if h.chat.count() != 1 {
		t.Fatalf("replies = %d, want 1 (plain text ignored)", h.chat.count())
	}
}

type slowAddStore struct {
	storage.Store
	delay time.Duration
}

func (s slowAddStore) AddChannel(ctx context.Context, user int64, name string) error {
	time.Sleep(s.delay)
	return s.Store.AddChannel(ctx, user, name)
}

func TestDispatchLoopKeepsChatOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mgr = New(Config{Workers: 4, Timeout: 5 * time.Second}, Deps{
		Store:     slowAddStore{Store: h.store, delay: 150 * time.Millisecond},
		Watcher:   h.watcher,
		Endpoints: h.tester,
		Chat:      h.chat,
	}, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- h.mgr.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Message: &kit.Message{ChatID: 5, Text: "/add foo"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: 5, Text: "/remove foo"}}
	// another chat is not held up behind chat 5
	updates <- kit.Update{Message: &kit.Message{ChatID: 6, Text: "/list"}}

	deadline := time.Now().Add(3 * time.Second)
	for h.chat.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("replies = %d, want 3", h.chat.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop() error = %v", err)
	}

	h.chat.mu.Lock()
	var chat5 []string
	for _, s := range h.chat.sent {
		if s.chat == 5 {
			chat5 = append(chat5, s.text)
		}
	}
	h.chat.mu.Unlock()
	want := []string{"✅ Added foo to your watchlist.", "🗑 Removed foo from your watchlist."}
	if !slices.Equal(chat5, want) {
		t.Fatalf("chat 5 replies = %q, want %q", chat5, want)
	}
	got, err := h.store.ListChannels(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("watchlist = %v, want empty", got)
	}
}
