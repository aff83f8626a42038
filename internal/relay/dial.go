package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DialConfig selects and addresses a transport.
type DialConfig struct {
	Driver   string // redis, postgres or memory
	Addr     string
	Password string
	DB       int
	DSN      string
}

// Dial opens the transport named by cfg.Driver and checks it is reachable.
func Dial(ctx context.Context, cfg DialConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Driver {
	case "redis", "":
		t := NewRedisTransport(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := t.Ping(ctx); err != nil {
			t.Close()
			return nil, fmt.Errorf("relay: dial redis %s: %w", cfg.Addr, err)
		}
		return t, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("relay: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("relay: ping postgres: %w", err)
		}
		t := NewPostgresTransport(db, cfg.DSN, logger)
		t.ownsDB = true
		return t, nil
	case "memory":
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("relay: unknown driver %q", cfg.Driver)
	}
}
