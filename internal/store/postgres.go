package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"serenity/companion/internal/logging"
	"serenity/companion/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and applies pending
// migrations.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logging.Infow("store: postgres ready", "max_conns", cfg.MaxConns)
	return &Postgres{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Append(ctx context.Context, msg types.Message) (types.Message, error) {
	msg, err := prepare(msg, time.Now())
	if err != nil {
		return types.Message{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, role, content, session_type, device_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, string(msg.Role), msg.Content, string(msg.SessionType), msg.DeviceID, msg.CreatedAt)
	if err != nil {
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *Postgres) List(ctx context.Context, key types.SessionKey, limit int) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, session_type, device_id, created_at FROM (
		     SELECT * FROM messages
		     WHERE session_type = $1 AND device_id = $2
		     ORDER BY seq DESC
		     LIMIT NULLIF($3::bigint, 0)
		 ) m ORDER BY seq ASC`,
		string(key.Type), key.DeviceID, int64(max(limit, 0)))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		var role, typ string
		err := row.Scan(&m.ID, &role, &m.Content, &typ, &m.DeviceID, &m.CreatedAt)
		m.Role, m.SessionType = types.Role(role), types.SessionType(typ)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

func (s *Postgres) Clear(ctx context.Context, key types.SessionKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_type = $1 AND device_id = $2`,
		string(key.Type), key.DeviceID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() { s.pool.Close() }
