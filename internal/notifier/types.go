package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	BackendShoutrrr = "shoutrrr"
	BackendApprise  = "apprise"
)

// Config controls the async notification pipeline.
type Config struct {
	Backend    string
	AppriseURL string
	Workers    int
	QueueSize  int
	RatePerSec int
	Timeout    time.Duration
}

// Message is the backend-neutral notification content.
type Message struct {
	Title string
	Body  string
}

// Alert is one notification for one chat.
type Alert struct {
	ID        string
	ChatID    int64
	Endpoints []string
	Message   Message
}

// Result is the outcome of one endpoint.
type Result struct {
	Endpoint string
	Err      error
	Took     time.Duration
}

// Report lists per-endpoint outcomes in endpoint order.
type Report struct {
	Results []Result
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the endpoint failures, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", redact(res.Endpoint), res.Err))
		}
	}
	return errors.Join(errs...)
}

// redact keeps the scheme and host of an endpoint URL for logs; the rest
// usually carries tokens.
func redact(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "invalid"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	host, _, _ := strings.Cut(rest, "/")
	if host == "" {
		return scheme + "://"
	}
	return scheme + "://" + host + "/…"
}
