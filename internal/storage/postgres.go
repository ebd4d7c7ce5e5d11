package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "twitchrise/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgConnectAttempts = 5

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.DatabaseURL)
	if url == "" {
		return nil, errors.New("database url is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pcfg.MaxConns = 4
	pcfg.MaxConnLifetime = 30 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, pcfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if attempt >= pgConnectAttempts {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		backoff := time.Duration(attempt) * 500 * time.Millisecond
		log.Warn("postgres connect failed, retrying",
			logx.Int("attempt", attempt),
			logx.Duration("backoff", backoff),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect postgres: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	schema, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	log.Info("postgres store opened")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgEnsureUser(ctx context.Context, tx pgx.Tx, user int64) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO users(chat_id) VALUES($1) ON CONFLICT (chat_id) DO NOTHING`, user)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func pgInsertUnique(ctx context.Context, tx pgx.Tx, q string, args ...any) error {
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *postgresStore) EnsureUser(ctx context.Context, user int64) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = pgEnsureUser(ctx, tx, user)
		return err
	})
	return created, err
}

func (s *postgresStore) AddChannel(ctx context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := pgEnsureUser(ctx, tx, user); err != nil {
			return err
		}
		return pgInsertUnique(ctx, tx,
			`INSERT INTO channels(chat_id, name) VALUES($1, $2) ON CONFLICT (chat_id, name) DO NOTHING`,
			user, name)
	})
}

func (s *postgresStore) RemoveChannel(ctx context.Context, user int64, name string) error {
	name, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE chat_id = $1 AND name = $2`, user, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return channelNotFound(name)
	}
	return nil
}

func (s *postgresStore) ListChannels(ctx context.Context, user int64) ([]string, error) {
	return s.strings(ctx, `SELECT name FROM channels WHERE chat_id = $1 ORDER BY id`, user)
}

func (s *postgresStore) AddEndpoint(ctx context.Context, user int64, url string) error {
	url, err := NormalizeEndpoint(url)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := pgEnsureUser(ctx, tx, user); err != nil {
			return err
		}
		return pgInsertUnique(ctx, tx,
			`INSERT INTO endpoints(chat_id, url) VALUES($1, $2) ON CONFLICT (chat_id, url) DO NOTHING`,
			user, url)
	})
}

func (s *postgresStore) RemoveEndpoint(ctx context.Context, user int64, index int) (string, error) {
	if index < 0 {
		return "", endpointNotFound(index)
	}
	var removed string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`SELECT id, url FROM endpoints WHERE chat_id = $1 ORDER BY id LIMIT 1 OFFSET $2 FOR UPDATE`,
			user, index,
		).Scan(&id, &removed)
		if errors.Is(err, pgx.ErrNoRows) {
			return endpointNotFound(index)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return "", err
	}
	return removed, nil
}

func (s *postgresStore) ListEndpoints(ctx context.Context, user int64) ([]string, error) {
	return s.strings(ctx, `SELECT url FROM endpoints WHERE chat_id = $1 ORDER BY id`, user)
}

func (s *postgresStore) Snapshot(ctx context.Context) ([]UserRecord, error) {
	var out []UserRecord
	// repeatable read gives the three queries one consistent view
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT chat_id FROM users ORDER BY chat_id`)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		idx := make(map[int64]int, len(ids))
		for i, id := range ids {
			idx[id] = i
			out = append(out, UserRecord{ChatID: id, Channels: []string{}, Endpoints: []string{}})
		}

		type pair struct {
			ID int64
			V  string
		}
		fill := func(q string, add func(r *UserRecord, v string)) error {
			rows, err := tx.Query(ctx, q)
			if err != nil {
				return err
			}
			pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pair, error) {
				var p pair
				err := row.Scan(&p.ID, &p.V)
				return p, err
			})
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if i, ok := idx[p.ID]; ok {
					add(&out[i], p.V)
				}
			}
			return nil
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

func (s *postgresStore) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
