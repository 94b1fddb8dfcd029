package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Run("combines origin host and client ID", func(t *testing.T) {
		assert.Equal(t, "10.0.0.5_alice", Resolve("alice", "10.0.0.5:51234"))
	})

	t.Run("accepts bare host without port", func(t *testing.T) {
		assert.Equal(t, "10.0.0.5_alice", Resolve("alice", "10.0.0.5"))
	})

	t.Run("maps empty origin to unknown sentinel", func(t *testing.T) {
		assert.Equal(t, "unknown_alice", Resolve("alice", ""))
	})

	t.Run("is deterministic", func(t *testing.T) {
		first := Resolve("bob", "192.168.1.9:2000")
		second := Resolve("bob", "192.168.1.9:3000")
		assert.Equal(t, first, second, "port must not influence identity")
	})

	t.Run("separates same client ID on different origins", func(t *testing.T) {
		a := Resolve("shared", "10.0.0.1:1000")
		b := Resolve("shared", "10.0.0.2:1000")
		assert.NotEqual(t, a, b)
	})
}

func TestOriginHost(t *testing.T) {
	assert.Equal(t, "10.1.2.3", OriginHost("10.1.2.3:80"))
	assert.Equal(t, "10.1.2.3", OriginHost("10.1.2.3"))
	assert.Equal(t, UnknownAddress, OriginHost(""))
}
