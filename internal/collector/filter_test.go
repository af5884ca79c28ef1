package collector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/model"
)

func eventWithLevel(level string) model.Event {
	return model.Event{Fields: map[string]model.Value{"level": model.String(level)}}
}

func TestFilterChainIncludeEquals(t *testing.T) {
	fc := NewFilterChain(config.FilterChainConfig{
		Include: []config.FilterConfig{{Field: "level", Operator: "equals", Value: "error"}},
	})
	events := []model.Event{eventWithLevel("error"), eventWithLevel("info")}
	out := fc.Apply(events)
	require.Len(t, out, 1)
}

func TestFilterChainExcludeContains(t *testing.T) {
	fc := NewFilterChain(config.FilterChainConfig{
		Exclude: []config.FilterConfig{{Field: "level", Operator: "contains", Value: "debug"}},
	})
	events := []model.Event{eventWithLevel("debug-verbose"), eventWithLevel("info")}
	out := fc.Apply(events)
	require.Len(t, out, 1)
	level, _ := out[0].Fields["level"].String()
	require.Equal(t, "info", level)
}

func TestFilterChainInOperator(t *testing.T) {
	fc := NewFilterChain(config.FilterChainConfig{
		Include: []config.FilterConfig{{Field: "level", Operator: "in", Value: []any{"warn", "error"}}},
	})
	events := []model.Event{eventWithLevel("warn"), eventWithLevel("info")}
	out := fc.Apply(events)
	require.Len(t, out, 1)
}

func TestFilterChainNoFiltersPassesEverything(t *testing.T) {
	fc := NewFilterChain(config.FilterChainConfig{})
	events := []model.Event{eventWithLevel("anything")}
	require.Equal(t, events, fc.Apply(events))
}
