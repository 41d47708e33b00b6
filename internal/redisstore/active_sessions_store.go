package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActiveSession is the soft-cache record of a running session. It exists for
// quick dashboard lookups; the ledger row in Postgres stays authoritative and
// the engine tolerates this cache being stale or empty.
type ActiveSession struct {
	TransactionID int64  `json:"transaction_id"`
	StationID     string `json:"station_id"`
	ConnectorID   *int64 `json:"connector_id,omitempty"`
	Mode          string `json:"mode"`
	StartedAt     int64  `json:"started_at_unix"`
}

// Store manages the active session cache, one entry per station.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(stationID string) string {
	return fmt.Sprintf("sessions:active:%s", stationID)
}

// Save caches the station's running session.
func (s *Store) Save(ctx context.Context, session ActiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(session.StationID), data, s.ttl).Err()
}

// GetByStation returns the cached session for a station; a cache miss is
// (nil, nil), not an error.
func (s *Store) GetByStation(ctx context.Context, stationID string) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, s.key(stationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session ActiveSession
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete drops the station's cache entry.
func (s *Store) Delete(ctx context.Context, stationID string) error {
	return s.client.Del(ctx, s.key(stationID)).Err()
}
