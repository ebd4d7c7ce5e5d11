package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence API used by the command dispatcher and the poll
// loop. user is the Telegram chat ID.
type Store interface {
	// EnsureUser creates an empty record. created is false if it existed.
	EnsureUser(ctx context.Context, user int64) (created bool, err error)

	// AddChannel returns ErrDuplicate if name is already watched.
	AddChannel(ctx context.Context, user int64, name string) error
	// RemoveChannel returns *NotFoundError if name is not watched.
	RemoveChannel(ctx context.Context, user int64, name string) error
	ListChannels(ctx context.Context, user int64) ([]string, error)

	// AddEndpoint returns ErrDuplicate if url is already stored.
	AddEndpoint(ctx context.Context, user int64, url string) error
	// RemoveEndpoint removes the endpoint at the zero-based index and returns
	// it. Out of range yields *NotFoundError and no change.
	RemoveEndpoint(ctx context.Context, user int64, index int) (string, error)
	ListEndpoints(ctx context.Context, user int64) ([]string, error)

	// Snapshot returns every record, ordered by user.
	Snapshot(ctx context.Context) ([]UserRecord, error)

	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string // file | sqlite | postgres
	Path        string // file, sqlite
	DatabaseURL string // postgres
	BusyTimeout time.Duration
}

type UserRecord struct {
	ChatID    int64
	Channels  []string
	Endpoints []string
}

func (r UserRecord) clone() UserRecord {
	return UserRecord{
		ChatID:    r.ChatID,
		Channels:  append([]string(nil), r.Channels...),
		Endpoints: append([]string(nil), r.Endpoints...),
	}
}

var (
	ErrDuplicate = errors.New("already exists")
	ErrClosed    = errors.New("storage closed")
)

// NotFoundError reports a reference to a channel or endpoint that does not
// exist.
type NotFoundError struct {
	Kind string // "channel" | "endpoint"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// ValidationError reports malformed input. Usage, when set, is the line
// shown to the user.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Usage  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func channelNotFound(name string) error { return &NotFoundError{Kind: "channel", Key: name} }

func endpointNotFound(index int) error {
	return &NotFoundError{Kind: "endpoint", Key: fmt.Sprintf("#%d", index+1)}
}
