// Package twitch queries the Helix API for channel live status.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"twitchrise/internal/metrics"
	logx "twitchrise/pkg/logx"
)

const (
	maxBatch     = 100
	maxBodyBytes = 4 << 20
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	Timeout      time.Duration
	BatchSize    int
	Concurrency  int
}

// ChannelState is the observed state of one channel. Only Live is
// guaranteed; the rest is filled when the channel is live.
type ChannelState struct {
	Login     string
	Live      bool
	Title     string
	Game      string
	Viewers   int
	StartedAt time.Time
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	m    *metrics.Metrics

	mu sync.Mutex
	ts oauth2.TokenSource
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("twitch client id and secret are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twitch.tv/helix"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://id.twitch.tv/oauth2/token"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatch {
		cfg.BatchSize = maxBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		m:    m,
	}, nil
}

func (c *Client) tokenSource() oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ts == nil {
		cc := clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// the token source outlives any single request, so it gets its own
		// context carrying the timeout-bound client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		c.ts = oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	}
	return c.ts
}

// resetToken drops the cached app token so the next call fetches a new one.
func (c *Client) resetToken() {
	c.mu.Lock()
	c.ts = nil
	c.mu.Unlock()
}

// LiveStatus returns the state of every requested channel. Names missing
// from the API response are reported offline. Any failed chunk fails the
// whole call.
func (c *Client) LiveStatus(ctx context.Context, names []string) (map[string]ChannelState, error) {
	logins := dedupe(names)
	out := make(map[string]ChannelState, len(logins))
	if len(logins) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(logins); start += c.cfg.BatchSize {
		chunk := logins[start:min(start+c.cfg.BatchSize, len(logins))]
		g.Go(func() error {
			streams, err := c.streams(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range streams {
				out[s.Login] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, n := range logins {
		if _, ok := out[n]; !ok {
			out[n] = ChannelState{Login: n}
		}
	}
	return out, nil
}

type streamsResponse struct {
	Data *[]struct {
		UserLogin   string    `json:"user_login"`
		Type        string    `json:"type"`
		Title       string    `json:"title"`
		GameName    string    `json:"game_name"`
		ViewerCount int       `json:"viewer_count"`
		StartedAt   time.Time `json:"started_at"`
	} `json:"data"`
}

func (c *Client) streams(ctx context.Context, logins []string) ([]ChannelState, error) {
	const op = "get streams"

	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	q.Set("first", fmt.Sprint(maxBatch))

	tok, err := c.tokenSource().Token()
	if err != nil {
		return nil, &UpstreamError{Op: "token", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/streams?"+q.Encode(), nil)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.m.HelixRequest(0, time.Since(started))
		return nil, &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.m.HelixRequest(resp.StatusCode, time.Since(started))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.resetToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	var sr streamsResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	if sr.Data == nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: missing data", errMalformed)}
	}

	out := make([]ChannelState, 0, len(*sr.Data))
	for _, s := range *sr.Data {
		login := strings.ToLower(s.UserLogin)
		if login == "" {
			continue
		}
		out = append(out, ChannelState{
			Login:     login,
			Live:      s.Type == "" || s.Type == "live",
			Title:     s.Title,
			Game:      s.GameName,
			Viewers:   s.ViewerCount,
			StartedAt: s.StartedAt,
		})
	}
	c.log.Debug("helix streams",
		logx.Int("requested", len(logins)),
		logx.Int("live", len(out)),
		logx.Duration("took", time.Since(started)),
	)
	return out, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
