package supervisor

import (
	"context"
	"time"

	"github.com/securewatch/agent/internal/config"
)

// runConfigReloadLoop polls config_update_interval for an on-disk config
// change and, when one is found, restarts only the collectors whose
// descriptor hash actually changed — an untouched collector keeps running
// through a reload that only touched, say, transport.retry (spec.md §4.2).
func (s *Supervisor) runConfigReloadLoop(ctx context.Context) {
	cfg := s.store.Current()
	interval := cfg.ConfigUpdateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndReload(ctx)
		}
	}
}

func (s *Supervisor) checkAndReload(ctx context.Context) {
	changed, err := s.store.CheckForUpdate(ctx, s.reloader)
	if err != nil {
		s.logger.Error("config reload check failed", "error", err)
		return
	}
	if !changed {
		return
	}

	newCfg := s.store.Current()
	s.logger.Info("config changed on disk, reconciling collectors")
	s.reconcileCollectors(ctx, newCfg.Collectors)
}

// reconcileCollectors stops and rebuilds any collector whose descriptor
// hash changed, starts any newly-added collector, and stops any collector
// removed from the document. Collectors with an unchanged hash are left
// running untouched.
func (s *Supervisor) reconcileCollectors(ctx context.Context, desired []config.CollectorConfig) {
	wantHash := make(map[string]string, len(desired))
	wantCfg := make(map[string]config.CollectorConfig, len(desired))
	for _, cc := range desired {
		wantHash[cc.Name] = config.CollectorDescriptorHash(cc)
		wantCfg[cc.Name] = cc
	}

	s.collectorsMu.Lock()
	existingNames := make([]string, 0, len(s.collectors))
	for name := range s.collectors {
		existingNames = append(existingNames, name)
	}
	s.collectorsMu.Unlock()

	for _, name := range existingNames {
		newHash, stillWanted := wantHash[name]

		s.collectorsMu.RLock()
		oldHash := s.collectorCfg[name]
		c := s.collectors[name]
		s.collectorsMu.RUnlock()

		if !stillWanted {
			s.logger.Info("collector removed from config, stopping", "collector", name)
			c.Stop(ctx)
			s.collectorsMu.Lock()
			delete(s.collectors, name)
			delete(s.collectorCfg, name)
			s.collectorsMu.Unlock()
			continue
		}

		if newHash == oldHash {
			continue
		}

		s.logger.Info("collector descriptor changed, restarting", "collector", name)
		c.Stop(ctx)
		s.collectorsMu.Lock()
		delete(s.collectors, name)
		delete(s.collectorCfg, name)
		s.collectorsMu.Unlock()

		s.addCollector(wantCfg[name])
		s.collectorsMu.RLock()
		newC := s.collectors[name]
		s.collectorsMu.RUnlock()
		if newC != nil {
			if err := newC.Start(ctx); err != nil {
				s.logger.Error("restarted collector failed to start", "collector", name, "error", err)
			}
		}
	}

	for name, cc := range wantCfg {
		s.collectorsMu.RLock()
		_, exists := s.collectors[name]
		s.collectorsMu.RUnlock()
		if exists {
			continue
		}
		s.logger.Info("new collector added to config, starting", "collector", name)
		s.addCollector(cc)
		s.collectorsMu.RLock()
		newC := s.collectors[name]
		s.collectorsMu.RUnlock()
		if newC != nil {
			if err := newC.Start(ctx); err != nil {
				s.logger.Error("new collector failed to start", "collector", name, "error", err)
			}
		}
	}
}
