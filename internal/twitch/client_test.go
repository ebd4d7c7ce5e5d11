package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	logx "twitchrise/pkg/logx"
)

type fakeHelix struct {
	srv      *httptest.Server
	requests atomic.Int32
	tokens   atomic.Int32

	mu   sync.Mutex
	live map[string]bool
	// handler overrides the default streams response when set.
	handler http.HandlerFunc
}

func newFakeHelix(t *testing.T) *fakeHelix {
	t.Helper()
	f := &fakeHelix{live: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		_ = r.ParseForm()
		if r.Form.Get("client_id") != "cid" || r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad client", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.Header.Get("Client-Id") != "cid" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if f.handler != nil {
			f.handler(w, r)
			return
		}
		type stream struct {
			UserLogin   string `json:"user_login"`
			Type        string `json:"type"`
			Title       string `json:"title"`
			ViewerCount int    `json:"viewer_count"`
		}
		data := []stream{}
		f.mu.Lock()
		for _, l := range r.URL.Query()["user_login"] {
			if f.live[l] {
				data = append(data, stream{UserLogin: l, Type: "live", Title: "hi " + l, ViewerCount: 7})
			}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHelix) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		BaseURL:      f.srv.URL + "/helix",
		TokenURL:     f.srv.URL + "/oauth2/token",
	}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestLiveStatusChunksAndMerges(t *testing.T) {
	t.Parallel()

	f := newFakeHelix(t)
	names := make([]string, 0, 250)
	for i := range 250 {
		names = append(names, fmt.Sprintf("chan%03d", i))
	}
	f.live["chan000"] = true
	f.live["chan150"] = true
	f.live["chan249"] = true

	got, err := f.client(t).LiveStatus(context.Background(), names)
	if err != nil {
		t.Fatalf("LiveStatus() error = %v", err)
	}
	if n := f.requests.Load(); n != 3 {
		t.Fatalf("helix requests = %d, want 3", n)
	}
	if f.tokens.Load() != 1 {
		t.Fatalf("token requests = %d, want 1", f.tokens.Load())
	}
	if len(got) != 250 {
		t.Fatalf("len(result) = %d, want 250", len(got))
	}
	liveCount := 0
	for _, st := range got {
		if st.Live {
			liveCount++
		}
	}
	if liveCount != 3 || !got["chan150"].Live || got["chan150"].Title != "hi chan150" {
		t.Fatalf("unexpected live set: count=%d chan150=%+v", liveCount, got["chan150"])
	}
	if got["chan001"].Live {
		t.Fatalf("absent channel reported live")
	}
}

func TestLiveStatusDedupesAndLowercases(t *testing.T) {
	t.Parallel()

	f := newFakeHelix(t)
	f.live["foo"] = true
	got, err := f.client(t).LiveStatus(context.Background(), []string{"Foo", "foo", " FOO ", "bar"})
	if err != nil {
		t.Fatalf("LiveStatus() error = %v", err)
	}
	if len(got) != 2 || !got["foo"].Live || got["bar"].Live {
		t.Fatalf("LiveStatus() = %+v", got)
	}
}

func TestLiveStatusEmptySkipsRequest(t *testing.T) {
	t.Parallel()

	f := newFakeHelix(t)
	got, err := f.client(t).LiveStatus(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("LiveStatus(nil) = %v, %v", got, err)
	}
	if f.requests.Load() != 0 || f.tokens.Load() != 0 {
		t.Fatalf("empty query hit the network")
	}
}

func TestLiveStatusUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		status    int
		malformed bool
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			status: http.StatusBadGateway,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			status: http.StatusTooManyRequests,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, "<html>")
			},
			status:    http.StatusOK,
			malformed: true,
		},
		{
			name: "missing data",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `{"pagination":{}}`)
			},
			status:    http.StatusOK,
			malformed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeHelix(t)
			f.handler = tt.handler
			got, err := f.client(t).LiveStatus(context.Background(), []string{"foo"})
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("LiveStatus() error = %v, want *UpstreamError", err)
			}
			if got != nil {
				t.Fatalf("LiveStatus() returned partial result %v", got)
			}
			if ue.StatusCode != tt.status {
				t.Fatalf("StatusCode = %d, want %d", ue.StatusCode, tt.status)
			}
			if IsMalformed(err) != tt.malformed {
				t.Fatalf("IsMalformed() = %v, want %v", IsMalformed(err), tt.malformed)
			}
		})
	}
}

func TestLiveStatusOneChunkFailureFailsAll(t *testing.T) {
	t.Parallel()

	f := newFakeHelix(t)
	f.handler = func(w http.ResponseWriter, r *http.Request) {
		for _, l := range r.URL.Query()["user_login"] {
			if l == "chan150" {
				http.Error(w, "nope", http.StatusInternalServerError)
				return
			}
		}
		_, _ = fmt.Fprint(w, `{"data":[]}`)
	}
	names := make([]string, 0, 250)
	for i := range 250 {
		names = append(names, fmt.Sprintf("chan%03d", i))
	}
	if _, err := f.client(t).LiveStatus(context.Background(), names); err == nil {
		t.Fatalf("LiveStatus() error = nil, want failure")
	}
}

func TestLiveStatusTransportError(t *testing.T) {
	t.Parallel()

	f := newFakeHelix(t)
	c := f.client(t)
	c.cfg.BaseURL = "http://127.0.0.1:1/helix"
	var ue *UpstreamError
	if _, err := c.LiveStatus(context.Background(), []string{"foo"}); !errors.As(err, &ue) {
		t.Fatalf("LiveStatus() error = %v, want *UpstreamError", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ClientID: "x"}, logx.Nop(), nil); err == nil {
		t.Fatalf("New() without secret error = nil")
	}
}
