package config

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reloadable is implemented by any component that needs to react to a
// config swap rather than simply re-reading the pointer at its next
// cooperative point (e.g. a collector that must rebind a listener).
// Adapted from the reference service's component-registry hot-reload
// pattern (update_reloader.go), generalized from an HTTP-server's
// SIGHUP-triggered reload to the agent's interval-poll-triggered one.
type Reloadable interface {
	Name() string
	Reload(ctx context.Context, cfg *Config) error
	IsCritical() bool
}

// ReloadError records one component's reload outcome.
type ReloadError struct {
	Component string
	Error     string
	Critical  bool
	Duration  time.Duration
}

// Reloader fans a new Config out to every registered Reloadable in
// parallel, collecting per-component errors rather than letting one
// component's failure abort the others.
type Reloader struct {
	mu         sync.RWMutex
	components []Reloadable
	logger     *slog.Logger
}

// NewReloader builds a Reloader. A nil logger defaults to slog.Default().
func NewReloader(logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{logger: logger}
}

// Register adds a component to the reload fan-out. Idempotent by name.
func (r *Reloader) Register(component Reloadable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.components {
		if existing.Name() == component.Name() {
			return
		}
	}
	r.components = append(r.components, component)
}

// ReloadAll reloads every registered component with the new config,
// returning one ReloadError per failure. A critical component's failure is
// still reported (not returned as a hard error) — it is the supervisor's
// call whether to treat any critical failure as fatal.
func (r *Reloader) ReloadAll(ctx context.Context, cfg *Config) []ReloadError {
	r.mu.RLock()
	components := append([]Reloadable(nil), r.components...)
	r.mu.RUnlock()

	if len(components) == 0 {
		return nil
	}

	reloadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	type result struct {
		name     string
		critical bool
		err      error
		duration time.Duration
	}
	results := make(chan result, len(components))

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(comp Reloadable) {
			defer wg.Done()
			start := time.Now()
			err := comp.Reload(reloadCtx, cfg)
			results <- result{name: comp.Name(), critical: comp.IsCritical(), err: err, duration: time.Since(start)}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []ReloadError
	for res := range results {
		if res.err == nil {
			continue
		}
		r.logger.Error("component reload failed",
			"component", res.name, "critical", res.critical, "error", res.err)
		errs = append(errs, ReloadError{
			Component: res.name,
			Error:     res.err.Error(),
			Critical:  res.critical,
			Duration:  res.duration,
		})
	}
	return errs
}
