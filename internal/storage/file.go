package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	logx "twitchrise/pkg/logx"
)

// fileStore keeps every record in memory and rewrites the whole JSON
// document (tmp file + rename) on each mutation.
//
// Layout, compatible with the legacy watchlists.json:
//
//	{"<chat_id>": {"channels": ["foo"], "apprise_urls": ["discord://..."]}}
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	users  map[int64]*UserRecord
	closed bool
}

type fileRecord struct {
	Channels    []string `json:"channels"`
	AppriseURLs []string `json:"apprise_urls"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, users: map[int64]*UserRecord{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	log.Info("file store opened", logx.String("path", path), logx.Int("users", len(s.users)))
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	var raw map[string]fileRecord
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for key, rec := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			s.log.Warn("skipping record with invalid chat id", logx.String("key", key))
			continue
		}
		u := &UserRecord{ChatID: id}
		for _, c := range rec.Channels {
			name, err := NormalizeChannel(c)
			if err != nil {
				s.log.Warn("skipping invalid channel", logx.Int64("chat_id", id), logx.String("channel", c))
				continue
			}
			if !slices.Contains(u.Channels, name) {
				u.Channels = append(u.Channels, name)
			}
		}
		for _, raw := range rec.AppriseURLs {
			url := strings.TrimSpace(raw)
			if url != "" && !slices.Contains(u.Endpoints, url) {
				u.Endpoints = append(u.Endpoints, url)
			}
		}
		s.users[id] = u
	}
	return nil
}

// saveLocked writes the whole document atomically.
func (s *fileStore) saveLocked() error {
	doc := make(map[string]fileRecord, len(s.users))
	for id, u := range s.users {
		doc[strconv.FormatInt(id, 10)] = fileRecord{
			Channels:    nonNil(u.Channels),
			AppriseURLs: nonNil(u.Endpoints),
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// mutate applies fn to a copy of the user's record and commits it only if
// the document was persisted.
func (s *fileStore) mutate(user int64, create bool, fn func(u *UserRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.users[user]
	if !ok && !create {
		// nothing stored yet; let fn decide what "missing" means
		return fn(&UserRecord{ChatID: user})
	}
	next := &UserRecord{ChatID: user}
	if ok {
		c := prev.clone()
		next = &c
	}
	if err := fn(next); err != nil {
		return err
	}
	s.users[user] = next
	if err := s.saveLocked(); err != nil {
		if ok {
			s.users[user] = prev
		} else {
			delete(s.users, user)
		}
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (s *fileStore) EnsureUser(_ context.Context, user int64) (bool, error) {
	s.mu.Lock()
	_, ok := s.users[user]
	s.mu.Unlock()
	if ok {
		return false, nil
	}
	created := false
	err := s.mutate(user, true, func(*UserRecord) error {
		created = true
		return nil
	})
	return created, err
}

func (s *fileStore) AddChannel(_ context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	return s.mutate(user, true, func(u *UserRecord) error {
		if slices.Contains(u.Channels, name) {
			return ErrDuplicate
		}
		u.Channels = append(u.Channels, name)
		return nil
	})
}

func (s *fileStore) RemoveChannel(_ context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	return s.mutate(user, false, func(u *UserRecord) error {
		i := slices.Index(u.Channels, name)
		if i < 0 {
			return channelNotFound(name)
		}
		u.Channels = slices.Delete(u.Channels, i, i+1)
		return nil
	})
}

func (s *fileStore) ListChannels(_ context.Context, user int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	u, ok := s.users[user]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, u.Channels...), nil
}

func (s *fileStore) AddEndpoint(_ context.Context, user int64, url string) error {
	url, err := NormalizeEndpoint(url)
	if err != nil {
		return err
	}
	return s.mutate(user, true, func(u *UserRecord) error {
		if slices.Contains(u.Endpoints, url) {
			return ErrDuplicate
		}
		u.Endpoints = append(u.Endpoints, url)
		return nil
	})
}

func (s *fileStore) RemoveEndpoint(_ context.Context, user int64, index int) (string, error) {
	var removed string
	err := s.mutate(user, false, func(u *UserRecord) error {
		if index < 0 || index >= len(u.Endpoints) {
			return endpointNotFound(index)
		}
		removed = u.Endpoints[index]
		u.Endpoints = slices.Delete(u.Endpoints, index, index+1)
		return nil
	})
	if err != nil {
		return "", err
	}
	return removed, nil
}

func (s *fileStore) ListEndpoints(_ context.Context, user int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	u, ok := s.users[user]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, u.Endpoints...), nil
}

func (s *fileStore) Snapshot(_ context.Context) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
