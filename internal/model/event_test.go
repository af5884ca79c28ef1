package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueNativeRoundTrip(t *testing.T) {
	v := FromNative(map[string]any{
		"user":   "alice",
		"action": "login",
		"count":  float64(3),
		"nested": map[string]any{"ok": true},
	})
	m, ok := v.Map()
	require.True(t, ok)
	assert.Equal(t, "alice", m["user"].Native())
	assert.Equal(t, float64(3), m["count"].Native())
}

func TestEventLookupDottedPath(t *testing.T) {
	e := &Event{
		Fields: map[string]Value{
			"user": Map(map[string]Value{
				"name": String("alice"),
			}),
		},
	}

	v, ok := e.Lookup("user.name")
	require.True(t, ok)
	s, _ := v.String()
	assert.Equal(t, "alice", s)

	_, ok = e.Lookup("user.missing")
	assert.False(t, ok)

	_, ok = e.Lookup("nope")
	assert.False(t, ok)
}
