// Package listener keeps in-memory customer data fresh by listening for
// Postgres NOTIFY events on the customer table.
package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Refresher rebuilds a cached view; storage.Directory implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

const debounce = 200 * time.Millisecond

// ListenAndRefresh blocks until ctx ends. A lost connection is re-acquired
// after a jittered backoff and followed by a refresh, since notifications
// sent while disconnected are gone.
func ListenAndRefresh(ctx context.Context, pool *pgxpool.Pool, r Refresher, channel string, baseBackoff time.Duration) {
	for {
		err := listen(ctx, pool, r, channel)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		wait := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", wait).Str("channel", channel).Msg("listener disconnected")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(wait):
		}
		if err := r.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("refresh after reconnect")
		}
	}
}

func listen(ctx context.Context, pool *pgxpool.Pool, r Refresher, channel string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for customer changes")

	var lastRefresh time.Time
	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if time.Since(lastRefresh) < debounce {
			continue // burst of notifications
		}
		lastRefresh = time.Now()
		log.Debug().Str("channel", ntf.Channel).Str("op", ntf.Payload).Msg("customer change; refreshing directory")
		if err := r.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("refresh customer directory")
		}
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x to 1.5x
	return time.Duration(float64(base) * factor)
}
