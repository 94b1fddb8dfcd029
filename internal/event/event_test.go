package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("decodes chat envelope", func(t *testing.T) {
		payload := []byte(`{"type":"chat","client_id":"alice","client_ip":"10.0.0.5","content":"hi","instance_id":"node-1","timestamp":1700000000.5}`)

		ev, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, TypeChat, ev.Type)
		assert.Equal(t, "alice", ev.ClientID)
		assert.Equal(t, "node-1", ev.InstanceID)
		assert.Equal(t, 1700000000.5, ev.Timestamp)
	})

	t.Run("decodes system envelope without attribution", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"system","content":"Client #a left the chat","instance_id":"node-2"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeSystem, ev.Type)
		assert.Empty(t, ev.ClientID)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"chat"`))
		assert.Error(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"gossip","content":"x"}`))
		assert.ErrorContains(t, err, "unknown event type")
	})

	t.Run("rejects chat without client_id", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"chat","content":"x"}`))
		assert.ErrorContains(t, err, "missing client_id")
	})
}

func TestEncodeRoundTrip(t *testing.T) {
	ev := NewChat("alice", "10.0.0.5", "hello", "node-1", 1700000001)

	data, err := ev.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestNewMessageHistory(t *testing.T) {
	t.Run("normalizes nil messages to empty slice", func(t *testing.T) {
		resp := NewMessageHistory(nil, "global_history")
		assert.NotNil(t, resp.Messages)
		assert.Empty(t, resp.Messages)
		assert.Equal(t, TypeMessageHistory, resp.Type)
	})
}
