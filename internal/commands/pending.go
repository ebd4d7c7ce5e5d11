package commands

import (
	"sync"
	"time"
)

// pendingStore holds at most one unconfirmed endpoint URL per chat.
type pendingStore struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[int64]pendingURL
}

type pendingURL struct {
	url     string
	expires time.Time
}

func newPendingStore(ttl time.Duration) *pendingStore {
	return &pendingStore{ttl: ttl, now: time.Now, m: map[int64]pendingURL{}}
}

func (p *pendingStore) put(chat int64, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, v := range p.m {
		if now.After(v.expires) {
			delete(p.m, k)
		}
	}
	p.m[chat] = pendingURL{url: url, expires: now.Add(p.ttl)}
}

// has reports whether chat has a live pending URL without consuming it.
func (p *pendingStore) has(chat int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[chat]
	return ok && !p.now().After(v.expires)
}

// take removes and returns the pending URL for chat.
func (p *pendingStore) take(chat int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[chat]
	if !ok {
		return "", false
	}
	delete(p.m, chat)
	if p.now().After(v.expires) {
		return "", false
	}
	return v.url, true
}
