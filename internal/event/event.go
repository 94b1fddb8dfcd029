// Package event defines the wire types exchanged between chatrelay instances,
// their websocket clients, and the Redis broker channels. The variant set is
// closed and small: chat and system events travel between instances, while
// connection info, history responses, and task notifications are outbound-only
// payloads for a single client.
//
// Events are immutable once constructed. The one sanctioned mutation is
// stamping the originating instance ID, which happens exactly once at the
// boundary that owns the field (the event constructor for locally-originated
// events, the replication publisher for events that arrive unstamped).
package event

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators. These appear as the "type" field of every JSON
// envelope on the wire and on the broker channels.
const (
	// TypeChat is a user chat message, replicated across instances and
	// persisted in the message store.
	TypeChat = "chat"

	// TypeSystem is an instance-generated notice (joins, departures),
	// replicated across instances but never persisted.
	TypeSystem = "system"

	// TypeConnectionInfo is sent once to a client on connect.
	TypeConnectionInfo = "connection_info"

	// TypeMessageHistory carries a batch of stored messages to one client.
	TypeMessageHistory = "message_history"

	// TypeTaskCreated acknowledges a background task request.
	TypeTaskCreated = "task_created"

	// TypeTaskCompleted reports a finished background task.
	TypeTaskCompleted = "task_completed"
)

// Event is the canonical envelope for chat and system traffic. It is the only
// variant that crosses the broker and the only variant the message store
// persists.
type Event struct {
	Type       string  `json:"type"`
	ClientID   string  `json:"client_id,omitempty"`
	ClientIP   string  `json:"client_ip,omitempty"`
	Content    string  `json:"content"`
	InstanceID string  `json:"instance_id,omitempty"`
	Timestamp  float64 `json:"timestamp,omitempty"`
}

// NewChat constructs a chat event originated by a local connection.
// The instance ID is stamped here, at origin; the replication publisher will
// never re-stamp it.
func NewChat(clientID, clientIP, content, instanceID string, timestamp float64) *Event {
	return &Event{
		Type:       TypeChat,
		ClientID:   clientID,
		ClientIP:   clientIP,
		Content:    content,
		InstanceID: instanceID,
		Timestamp:  timestamp,
	}
}

// NewSystem constructs a system notice originated by this instance.
func NewSystem(content, instanceID string, timestamp float64) *Event {
	return &Event{
		Type:       TypeSystem,
		Content:    content,
		InstanceID: instanceID,
		Timestamp:  timestamp,
	}
}

// Validate checks the envelope against the closed variant set.
func (e *Event) Validate() error {
	switch e.Type {
	case TypeChat:
		if e.ClientID == "" {
			return fmt.Errorf("chat event missing client_id")
		}
	case TypeSystem:
		// System events carry no attribution.
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}

	if e.Timestamp < 0 {
		return fmt.Errorf("invalid timestamp: %f", e.Timestamp)
	}

	return nil
}

// Encode serializes the event to its JSON wire form.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope from the broker or the store and validates it.
// A payload that parses but fails validation is rejected so that one malformed
// producer cannot poison local fan-out.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &e, nil
}

// ConnectionInfo is sent to a client immediately after its registration,
// telling it which instance it landed on.
type ConnectionInfo struct {
	Type            string `json:"type"`
	InstanceID      string `json:"instance_id"`
	ClientID        string `json:"client_id"`
	ClientIP        string `json:"client_ip"`
	ConnectionCount int    `json:"connection_count"`
}

// NewConnectionInfo builds the connect-time greeting for one client.
func NewConnectionInfo(instanceID, clientID, clientIP string, count int) *ConnectionInfo {
	return &ConnectionInfo{
		Type:            TypeConnectionInfo,
		InstanceID:      instanceID,
		ClientID:        clientID,
		ClientIP:        clientIP,
		ConnectionCount: count,
	}
}

// MessageHistory carries a batch of stored messages to one client, newest
// first. Source identifies which partition served the batch ("user_history"
// or "global_history").
type MessageHistory struct {
	Type     string   `json:"type"`
	Messages []*Event `json:"messages"`
	Source   string   `json:"source"`
}

// NewMessageHistory builds a history response. A nil slice is normalized to
// an empty one so clients always see a JSON array.
func NewMessageHistory(messages []*Event, source string) *MessageHistory {
	if messages == nil {
		messages = []*Event{}
	}
	return &MessageHistory{
		Type:     TypeMessageHistory,
		Messages: messages,
		Source:   source,
	}
}

// TaskNotification reports background task lifecycle transitions to the
// requesting client only. Details is the task manager's info record.
type TaskNotification struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Details any    `json:"details"`
}
