package store

import (
	"context"

	"soilwatch/internal/domain"
)

// LatestQuerier serves latest-reading queries with Redis as the fast
// path and Postgres as the authoritative fallback. Used by both the HTTP
// query boundary and the chat commands.
type LatestQuerier struct {
	pg    *PostgresStore
	redis *RedisStore
}

func NewLatestQuerier(pg *PostgresStore, redis *RedisStore) *LatestQuerier {
	return &LatestQuerier{pg: pg, redis: redis}
}

func (q *LatestQuerier) LatestReading(ctx context.Context, deviceID, metric string) (*domain.Reading, error) {
	if q.redis != nil {
		rd, err := q.redis.CachedLatest(ctx, deviceID, metric)
		if err == nil && rd != nil {
			return rd, nil
		}
	}
	return q.pg.LatestReading(ctx, deviceID, metric)
}

func (q *LatestQuerier) LatestReadings(ctx context.Context, deviceID string) ([]domain.Reading, error) {
	return q.pg.LatestReadings(ctx, deviceID)
}
