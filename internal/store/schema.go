package store

import "fmt"

// Redis key pattern helpers
//
// Message partitions are sorted sets scored by the event timestamp in
// seconds, so range reads by recency are a single ZREVRANGE. Partitions are
// shared across instances: every instance writing the same identity or the
// global log lands on the same keys.
//
// Key patterns:
//   user:{identity}:messages     ZSET, score = timestamp seconds
//   messages:global              ZSET, score = timestamp seconds
//   user:{identity}:connections  HASH, one field per active connection ID

// globalMessagesKey is the shared global history partition.
const globalMessagesKey = "messages:global"

// UserMessagesKey returns the message partition key for one identity.
// Pattern: user:{identity}:messages
func UserMessagesKey(identity string) string {
	return fmt.Sprintf("user:%s:messages", identity)
}

// UserConnectionsKey returns the connection-tracking hash key for one
// identity. Pattern: user:{identity}:connections
func UserConnectionsKey(identity string) string {
	return fmt.Sprintf("user:%s:connections", identity)
}

// GlobalMessagesKey returns the global history partition key.
func GlobalMessagesKey() string {
	return globalMessagesKey
}
