package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	logx "twitchrise/pkg/logx"
)

// runStoreContract exercises the behaviour every driver must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("add then list dedups case-insensitively", func(t *testing.T) {
		s := open(t)
		if err := s.AddChannel(ctx, 1, "Foo"); err != nil {
			t.Fatalf("AddChannel(Foo) error = %v", err)
		}
		if err := s.AddChannel(ctx, 1, "FOO"); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("AddChannel(FOO) error = %v, want ErrDuplicate", err)
		}
		if err := s.AddChannel(ctx, 1, "bar"); err != nil {
			t.Fatalf("AddChannel(bar) error = %v", err)
		}
		got, err := s.ListChannels(ctx, 1)
		if err != nil {
			t.Fatalf("ListChannels() error = %v", err)
		}
		if !slices.Equal(got, []string{"foo", "bar"}) {
			t.Fatalf("ListChannels() = %v, want [foo bar]", got)
		}
	})

	t.Run("invalid channel", func(t *testing.T) {
		s := open(t)
		var ve *ValidationError
		if err := s.AddChannel(ctx, 1, "no spaces"); !errors.As(err, &ve) {
			t.Fatalf("AddChannel() error = %v, want *ValidationError", err)
		}
	})

	t.Run("remove missing channel", func(t *testing.T) {
		s := open(t)
		var nf *NotFoundError
		if err := s.RemoveChannel(ctx, 7, "ghost"); !errors.As(err, &nf) {
			t.Fatalf("RemoveChannel() on unknown user error = %v, want *NotFoundError", err)
		}
		if err := s.AddChannel(ctx, 7, "real"); err != nil {
			t.Fatal(err)
		}
		if err := s.RemoveChannel(ctx, 7, "ghost"); !errors.As(err, &nf) {
			t.Fatalf("RemoveChannel() error = %v, want *NotFoundError", err)
		}
		if err := s.RemoveChannel(ctx, 7, "Real"); err != nil {
			t.Fatalf("RemoveChannel(Real) error = %v", err)
		}
		got, _ := s.ListChannels(ctx, 7)
		if len(got) != 0 {
			t.Fatalf("ListChannels() = %v, want empty", got)
		}
	})

	t.Run("endpoints ordered and removable by index", func(t *testing.T) {
		s := open(t)
		for _, u := range []string{"discord://a", "ntfy://b", "slack://c"} {
			if err := s.AddEndpoint(ctx, 2, u); err != nil {
				t.Fatalf("AddEndpoint(%s) error = %v", u, err)
			}
		}
		if err := s.AddEndpoint(ctx, 2, " ntfy://b "); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("AddEndpoint(dup) error = %v, want ErrDuplicate", err)
		}

		var nf *NotFoundError
		for _, idx := range []int{-1, 3, 99} {
			if _, err := s.RemoveEndpoint(ctx, 2, idx); !errors.As(err, &nf) {
				t.Fatalf("RemoveEndpoint(%d) error = %v, want *NotFoundError", idx, err)
			}
		}
		got, _ := s.ListEndpoints(ctx, 2)
		if !slices.Equal(got, []string{"discord://a", "ntfy://b", "slack://c"}) {
			t.Fatalf("out-of-range removal changed the list: %v", got)
		}

		removed, err := s.RemoveEndpoint(ctx, 2, 1)
		if err != nil || removed != "ntfy://b" {
			t.Fatalf("RemoveEndpoint(1) = %q, %v, want ntfy://b", removed, err)
		}
		got, _ = s.ListEndpoints(ctx, 2)
		if !slices.Equal(got, []string{"discord://a", "slack://c"}) {
			t.Fatalf("ListEndpoints() = %v, want [discord://a slack://c]", got)
		}
	})

	t.Run("reads are copies", func(t *testing.T) {
		s := open(t)
		_ = s.AddChannel(ctx, 3, "foo")
		got, _ := s.ListChannels(ctx, 3)
		got[0] = "mutated"
		again, _ := s.ListChannels(ctx, 3)
		if again[0] != "foo" {
			t.Fatalf("ListChannels() leaked internal state: %v", again)
		}
	})

	t.Run("snapshot and ensure user", func(t *testing.T) {
		s := open(t)
		created, err := s.EnsureUser(ctx, 10)
		if err != nil || !created {
			t.Fatalf("EnsureUser() = %v, %v, want created", created, err)
		}
		if created, _ := s.EnsureUser(ctx, 10); created {
			t.Fatalf("EnsureUser() second call created = true")
		}
		_ = s.AddChannel(ctx, 5, "bar")
		_ = s.AddEndpoint(ctx, 5, "discord://x")

		snap, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if len(snap) != 2 || snap[0].ChatID != 5 || snap[1].ChatID != 10 {
			t.Fatalf("Snapshot() = %+v, want users 5 and 10", snap)
		}
		if !slices.Equal(snap[0].Channels, []string{"bar"}) || !slices.Equal(snap[0].Endpoints, []string{"discord://x"}) {
			t.Fatalf("Snapshot()[0] = %+v", snap[0])
		}
		if len(snap[1].Channels) != 0 {
			t.Fatalf("empty user has channels: %+v", snap[1])
		}
	})

	t.Run("concurrent adds", func(t *testing.T) {
		s := open(t)
		var wg sync.WaitGroup
		names := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
		for _, n := range names {
			wg.Add(2)
			go func(n string) { defer wg.Done(); _ = s.AddChannel(ctx, 9, n) }(n)
			go func(n string) { defer wg.Done(); _ = s.AddChannel(ctx, 9, strings.ToUpper(n)) }(n)
		}
		wg.Wait()
		got, _ := s.ListChannels(ctx, 9)
		if len(got) != len(names) {
			t.Fatalf("ListChannels() = %v, want %d unique names", got, len(names))
		}
	})
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T) Store {
		s, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "w.json")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T) Store {
		s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "w.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TWITCHRISE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TWITCHRISE_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := Open(ctx, Config{Driver: "postgres", DatabaseURL: url}, logx.Nop())
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		pg := s.(*postgresStore)
		if _, err := pg.pool.Exec(ctx, `TRUNCATE endpoints, channels, users`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFileStorePersistsLegacyLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "watchlists.json")
	legacy := `{"42": {"channels": ["Shroud", "shroud", "xqc"], "apprise_urls": ["tgram://t/c"]}, "oops": {}}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, _ := s.ListChannels(ctx, 42)
	if !slices.Equal(got, []string{"shroud", "xqc"}) {
		t.Fatalf("ListChannels() = %v, want [shroud xqc]", got)
	}
	if err := s.AddChannel(ctx, 42, "pokimane"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	got, _ = reopened.ListChannels(ctx, 42)
	if !slices.Equal(got, []string{"shroud", "xqc", "pokimane"}) {
		t.Fatalf("after reopen ListChannels() = %v", got)
	}
	eps, _ := reopened.ListEndpoints(ctx, 42)
	if !slices.Equal(eps, []string{"tgram://t/c"}) {
		t.Fatalf("after reopen ListEndpoints() = %v", eps)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"apprise_urls"`) {
		t.Fatalf("persisted file lost the apprise_urls key: %s", raw)
	}
}

func TestNormalizeChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Shroud", want: "shroud"},
		{in: "  xQc ", want: "xqc"},
		{in: "@some_user", want: "some_user"},
		{in: "https://www.twitch.tv/Ninja/", want: "ninja"},
		{in: "twitch.tv/foo", want: "foo"},
		{in: "", wantErr: true},
		{in: "bad-name", wantErr: true},
		{in: strings.Repeat("a", 26), wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeChannel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeChannel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("NormalizeChannel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
