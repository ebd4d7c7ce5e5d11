package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"
)

// URLSender delivers a Message to a single endpoint URL.
type URLSender interface {
	Name() string
	Send(ctx context.Context, url string, msg Message) error
	Verify(url string) error
}

// NewURLSender builds the sender for cfg.Backend.
func NewURLSender(cfg Config) (URLSender, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendShoutrrr:
		return &shoutrrrSender{timeout: timeout}, nil
	case BackendApprise:
		base := strings.TrimRight(strings.TrimSpace(cfg.AppriseURL), "/")
		if base == "" {
			return nil, errors.New("apprise backend needs an api url")
		}
		return &appriseSender{base: base, http: &http.Client{Timeout: timeout}}, nil
	default:
		return nil, fmt.Errorf("unknown notifier backend %q", cfg.Backend)
	}
}

type shoutrrrSender struct {
	timeout time.Duration
}

func (s *shoutrrrSender) Name() string { return BackendShoutrrr }

// Verify builds a sender for url, which fails on unknown services and
// malformed service URLs without sending anything.
func (s *shoutrrrSender) Verify(url string) error {
	_, err := shoutrrr.CreateSender(url)
	return err
}

func (s *shoutrrrSender) Send(ctx context.Context, url string, msg Message) error {
	r, err := shoutrrr.CreateSender(url)
	if err != nil {
		return err
	}
	r.Timeout = s.timeout

	// shoutrrr has no context support; the router timeout bounds the call
	done := make(chan error, 1)
	go func() {
		params := types.Params{"title": msg.Title}
		done <- errors.Join(r.Send(msg.Body, &params)...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type appriseSender struct {
	base string
	http *http.Client
}

func (a *appriseSender) Name() string { return BackendApprise }

func (a *appriseSender) Verify(url string) error {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok || scheme == "" || rest == "" {
		return fmt.Errorf("%q is not a notification url", url)
	}
	return nil
}

type appriseRequest struct {
	URLs  string `json:"urls"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

func (a *appriseSender) Send(ctx context.Context, url string, msg Message) error {
	payload, err := json.Marshal(appriseRequest{URLs: url, Title: msg.Title, Body: msg.Body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/notify/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("apprise api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
