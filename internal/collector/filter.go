package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/model"
)

// FilterChain evaluates an event against a configured include/exclude
// filter list, grounded on base.py's _apply_filters /
// _apply_single_filter: every filter in the chain must pass (include
// filters that don't match drop the event; exclude filters that match drop
// the event).
type FilterChain struct {
	include []config.FilterConfig
	exclude []config.FilterConfig
}

// NewFilterChain builds a FilterChain from a collector's configured
// filters. A collector with no filters configured passes everything.
func NewFilterChain(cfg config.FilterChainConfig) *FilterChain {
	return &FilterChain{include: cfg.Include, exclude: cfg.Exclude}
}

// Apply returns the subset of events that pass every include filter and no
// exclude filter.
func (fc *FilterChain) Apply(events []model.Event) []model.Event {
	if len(fc.include) == 0 && len(fc.exclude) == 0 {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if fc.passes(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (fc *FilterChain) passes(ev model.Event) bool {
	for _, f := range fc.include {
		if !matchFilter(ev, f) {
			return false
		}
	}
	for _, f := range fc.exclude {
		if matchFilter(ev, f) {
			return false
		}
	}
	return true
}

// matchFilter evaluates one filter's operator against the event field it
// names, reproducing all nine operators from base.py's
// _apply_single_filter.
func matchFilter(ev model.Event, f config.FilterConfig) bool {
	value, found := ev.Lookup(f.Field)
	var native any
	if found {
		native = value.Native()
	}

	switch f.Operator {
	case "equals":
		return found && compareEqual(native, f.Value)
	case "not_equals":
		return !found || !compareEqual(native, f.Value)
	case "contains":
		return found && strings.Contains(toString(native), toString(f.Value))
	case "not_contains":
		return !found || !strings.Contains(toString(native), toString(f.Value))
	case "regex":
		if !found {
			return false
		}
		re, err := regexp.Compile(toString(f.Value))
		if err != nil {
			return false
		}
		return re.MatchString(toString(native))
	case "greater_than":
		a, okA := toFloat(native)
		b, okB := toFloat(f.Value)
		return found && okA && okB && a > b
	case "less_than":
		a, okA := toFloat(native)
		b, okB := toFloat(f.Value)
		return found && okA && okB && a < b
	case "in":
		return found && memberOf(native, f.Value)
	case "not_in":
		return !found || !memberOf(native, f.Value)
	default:
		return true
	}
}

func compareEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func memberOf(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return compareEqual(value, list)
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true
		}
	}
	return false
}
