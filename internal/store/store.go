// Package store implements the durable, retention-bounded message log backed
// by Redis sorted sets, plus the per-identity connection side table.
//
// Each partition (per-identity or global) is independently bounded two ways:
// a retention window refreshed on every write, and an entry cap enforced by
// trimming the oldest entries. Whichever bound binds first wins. The
// append+trim sequence runs in a single pipeline so no other writer observes
// a partially-trimmed partition.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/event"
)

// connectionTTL bounds the connection side table independently of the
// message retention window.
const connectionTTL = 24 * time.Hour

// Store provides the message log operations. It is safe for concurrent use;
// go-redis serializes pipeline execution per call.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	userCap   int64
	globalCap int64
}

// New creates a store over an existing Redis client. The caller owns the
// client's lifecycle; the store never closes it.
func New(rdb *redis.Client, retention time.Duration, userCap, globalCap int64) *Store {
	return &Store{
		rdb:       rdb,
		retention: retention,
		userCap:   userCap,
		globalCap: globalCap,
	}
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// StoreMessage persists an event under an identity partition with
// write-through to the global partition, exactly once each, in one atomic
// pipeline. The caller must have assigned the event timestamp already; the
// store never mints one.
func (s *Store) StoreMessage(ctx context.Context, identityKey string, ev *event.Event) error {
	payload, err := s.preparePayload(ev)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	s.appendToPartition(ctx, pipe, UserMessagesKey(identityKey), payload, ev.Timestamp, s.userCap)
	s.appendToPartition(ctx, pipe, globalMessagesKey, payload, ev.Timestamp, s.globalCap)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message for %s: %w", identityKey, err)
	}
	return nil
}

// StoreGlobal persists an event under the global partition only. Used when a
// chat event has no locally-attributable originator.
func (s *Store) StoreGlobal(ctx context.Context, ev *event.Event) error {
	payload, err := s.preparePayload(ev)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	s.appendToPartition(ctx, pipe, globalMessagesKey, payload, ev.Timestamp, s.globalCap)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store global message: %w", err)
	}
	return nil
}

// preparePayload validates the timestamp contract and serializes the event.
func (s *Store) preparePayload(ev *event.Event) ([]byte, error) {
	if ev.Timestamp <= 0 {
		return nil, fmt.Errorf("event has no timestamp; caller must assign one before storing")
	}
	payload, err := ev.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return payload, nil
}

// appendToPartition queues the insert, retention refresh, and cap trim for
// one partition on the pipeline. Trimming drops the lowest-scored (oldest)
// entries so at most maxEntries remain.
func (s *Store) appendToPartition(ctx context.Context, pipe redis.Pipeliner, key string, payload []byte, score float64, maxEntries int64) {
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: payload})
	pipe.Expire(ctx, key, s.retention)
	pipe.ZRemRangeByRank(ctx, key, 0, -maxEntries-1)
}

// UserMessages returns up to limit events for an identity, newest first.
func (s *Store) UserMessages(ctx context.Context, identityKey string, limit int64) ([]*event.Event, error) {
	return s.recent(ctx, UserMessagesKey(identityKey), limit)
}

// GlobalMessages returns up to limit events from the global partition,
// newest first.
func (s *Store) GlobalMessages(ctx context.Context, limit int64) ([]*event.Event, error) {
	return s.recent(ctx, globalMessagesKey, limit)
}

// recent reads a partition from highest score to lowest. Entries that fail to
// decode are skipped, not fatal: one corrupt member must not hide the rest of
// the history.
func (s *Store) recent(ctx context.Context, key string, limit int64) ([]*event.Event, error) {
	if limit <= 0 {
		return []*event.Event{}, nil
	}

	members, err := s.rdb.ZRevRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", key, err)
	}

	events := make([]*event.Event, 0, len(members))
	for _, member := range members {
		ev, err := event.Decode([]byte(member))
		if err != nil {
			log.Printf("[Store] Skipping undecodable entry in %s: %v", key, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// connectionRecord is the side-table value tracking one active connection.
type connectionRecord struct {
	ClientID    string  `json:"client_id"`
	IPAddress   string  `json:"ip_address"`
	ConnectedAt float64 `json:"connected_at"`
	InstanceID  string  `json:"instance_id"`
}

// TrackConnection records an active connection in the identity's connection
// hash. Best-effort bookkeeping: callers treat failure as degraded, never
// fatal to the connect path.
func (s *Store) TrackConnection(ctx context.Context, identityKey, clientID, ipAddress, instanceID string) error {
	record := connectionRecord{
		ClientID:    clientID,
		IPAddress:   ipAddress,
		ConnectedAt: float64(time.Now().UnixMilli()) / 1000,
		InstanceID:  instanceID,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize connection record: %w", err)
	}

	key := UserConnectionsKey(identityKey)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, clientID, data)
	pipe.Expire(ctx, key, connectionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track connection %s: %w", clientID, err)
	}
	return nil
}
