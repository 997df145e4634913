package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

const (
	minConsolidationGroup = 3
	pruneIdleAfter        = 7 * 24 * time.Hour
	pruneMaxAccesses      = 5
)

// Archive moves the lowest-scoring half of short-term memory, ordered by
// importance then timestamp, into long-term memory. It returns the number
// of entries moved.
func (s *Store) Archive(ctx context.Context) int {
	s.mu.Lock()
	if s.backend != nil {
		s.mu.Unlock()
		return 0
	}
	ids := s.archiveLocked()
	bus := s.events
	s.mu.Unlock()

	if len(ids) > 0 {
		s.logger.Info("archived short-term memory", zap.Int("moved", len(ids)))
		bus.Publish(event.Event{
			Type:   event.MemoryArchived,
			Source: "memory",
			Data:   map[string]interface{}{"count": len(ids), "ids": ids},
		})
	}
	return len(ids)
}

func (s *Store) archiveLocked() []string {
	n := len(s.short) / 2
	if n == 0 {
		return nil
	}
	ranked := append([]*Entry(nil), s.short...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Importance != ranked[j].Importance {
			return ranked[i].Importance < ranked[j].Importance
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})

	moved := make(map[string]bool, n)
	ids := make([]string, 0, n)
	for _, e := range ranked[:n] {
		e.IsLongTerm = true
		moved[e.ID] = true
		ids = append(ids, e.ID)
		s.long = append(s.long, e)
	}
	s.short = removeIDs(s.short, moved)
	s.archived += int64(n)
	return ids
}

type consolidation struct {
	sources []string
	merged  *Entry
}

// Consolidate replaces every group of three or more entries sharing the same
// related-id set with one merged entry. Groups never span partitions. It
// returns the number of groups merged.
func (s *Store) Consolidate(ctx context.Context) int {
	s.mu.RLock()
	if s.backend != nil {
		s.mu.RUnlock()
		return 0
	}
	short, long := cloneAll(s.short), cloneAll(s.long)
	s.mu.RUnlock()

	var plans []consolidation
	for _, list := range [][]*Entry{short, long} {
		groups := make(map[string][]*Entry)
		var order []string
		for _, e := range list {
			key := e.relatedKey()
			if key == "" {
				continue
			}
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], e)
		}
		for _, key := range order {
			if ctx.Err() != nil {
				return 0
			}
			if g := groups[key]; len(g) >= minConsolidationGroup {
				plans = append(plans, consolidation{sources: entryIDs(g), merged: s.merge(g)})
			}
		}
	}
	if len(plans) == 0 {
		return 0
	}

	s.mu.Lock()
	applied := 0
	removedIDs := []string{}
	for _, p := range plans {
		if !s.allPresentLocked(p.sources, p.merged.IsLongTerm) {
			continue
		}
		drop := make(map[string]bool, len(p.sources))
		for _, id := range p.sources {
			drop[id] = true
			delete(s.index, id)
		}
		if p.merged.IsLongTerm {
			s.long = append(removeIDs(s.long, drop), p.merged)
		} else {
			s.short = append(removeIDs(s.short, drop), p.merged)
		}
		s.index[p.merged.ID] = p.merged
		removedIDs = append(removedIDs, p.sources...)
		applied++
	}
	s.consolidated += int64(applied)
	bus := s.events
	s.mu.Unlock()

	if applied > 0 {
		s.logger.Info("consolidated memory", zap.Int("groups", applied), zap.Int("removed", len(removedIDs)))
		bus.Publish(event.Event{
			Type:   event.MemoryConsolidated,
			Source: "memory",
			Data:   map[string]interface{}{"groups": applied, "removed": removedIDs},
		})
	}
	return applied
}

// merge builds the synthesized entry for a consolidation group: contents
// joined most-important-first, maximum importance, union of tags.
func (s *Store) merge(group []*Entry) *Entry {
	ranked := append([]*Entry(nil), group...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Importance > ranked[j].Importance
	})

	contents := make([]string, len(ranked))
	tagSet := make(map[string]bool)
	var tags []string
	latest := ranked[0].Timestamp
	lastAccess := ranked[0].LastAccessed
	accesses := 0
	for i, e := range ranked {
		contents[i] = e.Content
		for _, t := range e.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
		if e.LastAccessed.After(lastAccess) {
			lastAccess = e.LastAccessed
		}
		accesses += e.AccessCount
	}

	content := strings.Join(contents, "\n")
	return &Entry{
		ID:           uuid.New().String(),
		Content:      content,
		Type:         ranked[0].Type,
		Role:         ranked[0].Role,
		Timestamp:    latest,
		TokenCount:   estimateTokens(content),
		Embedding:    meanVector(ranked),
		Importance:   ranked[0].Importance,
		Tags:         tags,
		LastAccessed: lastAccess,
		AccessCount:  accesses,
		RelatedIDs:   append([]string(nil), ranked[0].RelatedIDs...),
		IsLongTerm:   ranked[0].IsLongTerm,
		Metadata:     map[string]string{"consolidated_from": strings.Join(entryIDs(group), ",")},
	}
}

func (s *Store) allPresentLocked(ids []string, longTerm bool) bool {
	for _, id := range ids {
		e, ok := s.index[id]
		if !ok || e.IsLongTerm != longTerm {
			return false
		}
	}
	return true
}

// Prune deletes long-term entries that are unimportant, idle for more than
// seven days and rarely accessed. It returns the number removed.
func (s *Store) Prune(ctx context.Context) int {
	s.mu.RLock()
	if s.backend != nil {
		s.mu.RUnlock()
		return 0
	}
	long := cloneAll(s.long)
	s.mu.RUnlock()

	now := s.now()
	drop := make(map[string]bool)
	for _, e := range long {
		if e.Importance <= s.cfg.ImportanceThreshold &&
			now.Sub(e.LastAccessed) > pruneIdleAfter &&
			e.AccessCount <= pruneMaxAccesses {
			drop[e.ID] = true
		}
	}
	if len(drop) == 0 || ctx.Err() != nil {
		return 0
	}

	s.mu.Lock()
	before := len(s.long)
	s.long = removeIDs(s.long, drop)
	removed := before - len(s.long)
	ids := make([]string, 0, removed)
	for id := range drop {
		if _, ok := s.index[id]; ok && s.index[id].IsLongTerm {
			delete(s.index, id)
			ids = append(ids, id)
		}
	}
	s.pruned += int64(removed)
	bus := s.events
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("pruned long-term memory", zap.Int("removed", removed))
		bus.Publish(event.Event{
			Type:   event.MemoryPruned,
			Source: "memory",
			Data:   map[string]interface{}{"count": removed, "ids": ids},
		})
	}
	return removed
}

// RunMaintenance applies decay, consolidation and pruning, then archives if
// short-term memory is still over its threshold.
func (s *Store) RunMaintenance(ctx context.Context) {
	start := time.Now()
	decayed := s.DecayImportance(ctx)
	merged := s.Consolidate(ctx)
	pruned := s.Prune(ctx)

	s.mu.RLock()
	over := s.backend == nil && s.overThresholdLocked()
	s.mu.RUnlock()
	archived := 0
	if over {
		archived = s.Archive(ctx)
	}

	s.mu.Lock()
	s.lastMaintenance = s.now()
	s.mu.Unlock()

	s.logger.Info("memory maintenance complete",
		zap.Int("decayed", decayed),
		zap.Int("consolidated", merged),
		zap.Int("pruned", pruned),
		zap.Int("archived", archived),
		zap.Duration("duration", time.Since(start)))
}

// StartMaintenance runs RunMaintenance every interval until ctx is cancelled.
// A non-positive interval uses the configured MaintenanceInterval.
func (s *Store) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.MaintenanceInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunMaintenance(ctx)
			}
		}
	}()
	s.logger.Info("memory maintenance started", zap.Duration("interval", interval))
}

func removeIDs(list []*Entry, drop map[string]bool) []*Entry {
	out := list[:0]
	for _, e := range list {
		if !drop[e.ID] {
			out = append(out, e)
		}
	}
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

func entryIDs(list []*Entry) []string {
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.ID
	}
	return ids
}

// meanVector averages the embeddings of entries that share the first
// entry's dimension, or returns nil when none do.
func meanVector(list []*Entry) []float32 {
	var dim int
	for _, e := range list {
		if len(e.Embedding) > 0 {
			dim = len(e.Embedding)
			break
		}
	}
	if dim == 0 {
		return nil
	}
	sum := make([]float64, dim)
	n := 0
	for _, e := range list {
		if len(e.Embedding) != dim {
			continue
		}
		for i, v := range e.Embedding {
			sum[i] += float64(v)
		}
		n++
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}
