package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "twitchrise/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	schema, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// inTx runs fn in a transaction and commits when it returns nil.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureUserTx(ctx context.Context, tx *sql.Tx, user int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users(chat_id, created_at) VALUES(?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		user, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) EnsureUser(ctx context.Context, user int64) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = ensureUserTx(ctx, tx, user)
		return err
	})
	return created, err
}

func (s *sqliteStore) AddChannel(ctx context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := ensureUserTx(ctx, tx, user); err != nil {
			return err
		}
		return insertUnique(ctx, tx,
			`INSERT INTO channels(chat_id, name) VALUES(?, ?) ON CONFLICT(chat_id, name) DO NOTHING`,
			user, name)
	})
}

func insertUnique(ctx context.Context, tx *sql.Tx, q string, args ...any) error {
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE chat_id = ? AND name = ?`, user, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return channelNotFound(name)
	}
	return nil
}

func (s *sqliteStore) ListChannels(ctx context.Context, user int64) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT name FROM channels WHERE chat_id = ? ORDER BY id`, user)
}

func (s *sqliteStore) AddEndpoint(ctx context.Context, user int64, url string) error {
	url, err := NormalizeEndpoint(url)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := ensureUserTx(ctx, tx, user); err != nil {
			return err
		}
		return insertUnique(ctx, tx,
			`INSERT INTO endpoints(chat_id, url) VALUES(?, ?) ON CONFLICT(chat_id, url) DO NOTHING`,
			user, url)
	})
}

func (s *sqliteStore) RemoveEndpoint(ctx context.Context, user int64, index int) (string, error) {
	if index < 0 {
		return "", endpointNotFound(index)
	}
	var removed string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id, url FROM endpoints WHERE chat_id = ? ORDER BY id LIMIT 1 OFFSET ?`,
			user, index,
		).Scan(&id, &removed)
		if errors.Is(err, sql.ErrNoRows) {
			return endpointNotFound(index)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return "", err
	}
	return removed, nil
}

func (s *sqliteStore) ListEndpoints(ctx context.Context, user int64) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT url FROM endpoints WHERE chat_id = ? ORDER BY id`, user)
}

func (s *sqliteStore) Snapshot(ctx context.Context) ([]UserRecord, error) {
	var out []UserRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT chat_id FROM users ORDER BY chat_id`)
		if err != nil {
			return err
		}
		idx := map[int64]int{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			idx[id] = len(out)
			out = append(out, UserRecord{ChatID: id, Channels: []string{}, Endpoints: []string{}})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		fill := func(q string, add func(r *UserRecord, v string)) error {
			rows, err := tx.QueryContext(ctx, q)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var id int64
				var v string
				if err := rows.Scan(&id, &v); err != nil {
					return err
				}
				if i, ok := idx[id]; ok {
					add(&out[i], v)
				}
			}
			return rows.Err()
		}
		if err := fill(`SELECT chat_id, name FROM channels ORDER BY id`, func(r *UserRecord, v string) {
			r.Channels = append(r.Channels, v)
		}); err != nil {
			return err
		}
		return fill(`SELECT chat_id, url FROM endpoints ORDER BY id`, func(r *UserRecord, v string) {
			r.Endpoints = append(r.Endpoints, v)
		})
	})
	return out, err
}

func queryStrings(ctx context.Context, db *sql.DB, q string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
