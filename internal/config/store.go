package config

import (
	"context"
	"sync/atomic"
)

// Store owns the on-disk config path, the last-read fingerprint, and the
// live *Config pointer the rest of the agent reads through Current().
// Consumers never write through Store; only CheckForUpdate (driven by the
// supervisor's config-reload loop) swaps the pointer, matching spec.md
// §9's shared-resource policy: "the supervisor atomically swaps the active
// config pointer after a successful reload."
type Store struct {
	path    string
	current atomic.Pointer[Config]
	fp      atomic.Pointer[fingerprint]
}

// NewStore loads path once and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	if path != "" {
		if fp, err := fingerprintFile(path); err == nil {
			s.fp.Store(&fp)
		}
	}
	return s, nil
}

// Current returns the live config. Safe for concurrent use; callers must
// not mutate the returned value.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the on-disk config path this Store was loaded from (empty
// for a Store with no backing file).
func (s *Store) Path() string {
	return s.path
}

// CheckForUpdate re-fingerprints the file on disk; if unchanged, returns
// (false, nil) cheaply without re-parsing. If changed, it loads and
// validates the new document, swaps it in, and returns (true, nil). A
// validation failure leaves the current config untouched and returns the
// error — the config-reload loop logs it and tries again next interval.
func (s *Store) CheckForUpdate(ctx context.Context, reloader *Reloader) (bool, error) {
	if s.path == "" {
		return false, nil
	}

	newFP, err := fingerprintFile(s.path)
	if err != nil {
		return false, err
	}

	if prev := s.fp.Load(); prev != nil && prev.equal(newFP) {
		return false, nil
	}

	newCfg, err := Load(s.path)
	if err != nil {
		return false, err
	}

	s.current.Store(newCfg)
	s.fp.Store(&newFP)

	if reloader != nil {
		reloader.ReloadAll(ctx, newCfg)
	}

	return true, nil
}
