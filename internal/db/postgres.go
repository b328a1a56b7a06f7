package db

import (
	"context"
	"time"

	"dogwalk-tracking/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectPostgres opens the TimescaleDB pool. Timescale speaks plain
// Postgres wire protocol, so pgx is the client.
func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
