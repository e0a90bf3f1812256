package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/sessiond/sessiond/internal/config"
)

// Postgres is the durable BindingStore backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects the pool, runs the embedded migrations and returns
// the store.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetimeMinutes > 0 {
		poolCfg.MaxConnLifetime = cfg.GetMaxConnLifetime()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("binding store connected",
		"host", cfg.Host,
		"dbname", cfg.DBName,
	)
	return &Postgres{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

// runMigrations applies the embedded SQL migrations. goose needs a *sql.DB,
// which the pgx stdlib adapter provides without a second driver dependency.
func runMigrations(cfg config.DatabaseConfig) error {
	sqlDB, err := sql.Open("pgx", cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) RecordBinding(ctx context.Context, b Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO session_bindings (session_id, kind, profile_name, created_at)
		 VALUES ($1, $2, $3, $4)`,
		b.SessionID, b.Kind, b.ProfileName, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record binding for session %s: %w", b.SessionID, err)
	}
	return nil
}

func (p *Postgres) ListBindings(ctx context.Context, sessionID string) ([]Binding, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, kind, profile_name, created_at
		 FROM session_bindings
		 WHERE session_id = $1
		 ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.SessionID, &b.Kind, &b.ProfileName, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}
