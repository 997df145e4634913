package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// ErrEmptyContent is returned by Add for entries without content.
var ErrEmptyContent = errors.New("memory entry has no content")

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type recentAdd struct {
	id string
	at time.Time
}

// Store is the in-process memory of a worker or router. Entries live in a
// short-term partition until archived into long-term. When a Backend is set
// the partitions are bypassed and reads and writes go to the backend.
type Store struct {
	cfg      Config
	short    []*Entry
	long     []*Entry
	index    map[string]*Entry
	recent   map[string]recentAdd // type+content -> last add, for deduplication
	embedder Embedder
	backend  Backend
	events   *event.Bus

	archived        int64
	consolidated    int64
	pruned          int64
	lastMaintenance time.Time

	now    func() time.Time
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewStore creates an empty store. embedder may be nil, in which case
// queries fall back to term overlap.
func NewStore(cfg Config, embedder Embedder, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg.normalize(),
		index:    make(map[string]*Entry),
		recent:   make(map[string]recentAdd),
		embedder: embedder,
		now:      time.Now,
		logger:   logger,
	}
}

// SetBackend routes all reads and writes to b.
func (s *Store) SetBackend(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
}

// SetEvents attaches an event bus for archive, consolidation and prune notifications.
func (s *Store) SetEvents(bus *event.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = bus
}

// Config returns the normalized configuration.
func (s *Store) Config() Config { return s.cfg }

// Add stores a new entry and returns its id. Adding the same type and content
// twice within the dedup window returns the first entry's id without storing
// anything. A positive Importance on the input is kept as given.
func (s *Store) Add(ctx context.Context, in Entry) (string, error) {
	if in.Content == "" {
		return "", ErrEmptyContent
	}
	if in.Type == "" {
		in.Type = TypeMessage
	}
	key := string(in.Type) + "\x00" + in.Content

	if id, ok := s.duplicateOf(key); ok {
		s.logger.Debug("duplicate memory entry skipped", zap.String("id", id), zap.String("type", string(in.Type)))
		return id, nil
	}

	e := in.clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now()
	e.Timestamp = now
	e.LastAccessed = now
	e.TokenCount = estimateTokens(e.Content)
	e.IsLongTerm = false

	if len(e.Embedding) == 0 && s.cfg.IndexStrategy == IndexSemantic && s.embedder != nil {
		vec, err := s.embed(ctx, e.Content)
		if err != nil {
			s.logger.Warn("memory embedding failed, storing without vector", zap.Error(err))
		} else {
			e.Embedding = vec
		}
	}

	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend != nil {
		return s.addToBackend(ctx, backend, key, e)
	}

	var archivedIDs []string
	s.mu.Lock()
	if id, ok := s.duplicateOfLocked(key); ok {
		s.mu.Unlock()
		return id, nil
	}
	if in.Importance <= 0 {
		e.Importance = s.importance(e, s.latestShortLocked(similarityWindow))
	}
	e.RelatedIDs = s.relatedLocked(e)
	s.short = append(s.short, e)
	s.index[e.ID] = e
	s.recent[key] = recentAdd{id: e.ID, at: now}
	s.expireRecentLocked(now)
	if s.overThresholdLocked() {
		archivedIDs = s.archiveLocked()
	}
	// e is shared with maintenance once indexed; read it before unlocking.
	id, typ, importance := e.ID, e.Type, e.Importance
	bus := s.events
	s.mu.Unlock()

	s.logger.Debug("memory entry added",
		zap.String("id", id),
		zap.String("type", string(typ)),
		zap.Float64("importance", importance))
	if len(archivedIDs) > 0 {
		s.logger.Info("archived short-term memory", zap.Int("moved", len(archivedIDs)))
		bus.Publish(event.Event{
			Type:   event.MemoryArchived,
			Source: "memory",
			Data:   map[string]interface{}{"count": len(archivedIDs), "ids": archivedIDs},
		})
	}
	return id, nil
}

func (s *Store) addToBackend(ctx context.Context, b Backend, key string, e *Entry) (string, error) {
	if e.Importance <= 0 {
		e.Importance = s.importance(e, nil)
	}
	if err := b.Add(ctx, e); err != nil {
		return "", fmt.Errorf("backend add: %w", err)
	}
	s.mu.Lock()
	s.recent[key] = recentAdd{id: e.ID, at: e.Timestamp}
	s.expireRecentLocked(e.Timestamp)
	s.mu.Unlock()
	return e.ID, nil
}

func (s *Store) duplicateOf(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duplicateOfLocked(key)
}

func (s *Store) duplicateOfLocked(key string) (string, bool) {
	if s.cfg.DisableDeduplication {
		return "", false
	}
	r, ok := s.recent[key]
	if !ok || s.now().Sub(r.at) > s.cfg.DedupWindow {
		return "", false
	}
	if s.backend == nil {
		if _, live := s.index[r.id]; !live {
			return "", false
		}
	}
	return r.id, true
}

func (s *Store) expireRecentLocked(now time.Time) {
	for k, r := range s.recent {
		if now.Sub(r.at) > s.cfg.DedupWindow {
			delete(s.recent, k)
		}
	}
}

func (s *Store) overThresholdLocked() bool {
	return float64(len(s.short)) >= s.cfg.ArchiveThreshold*float64(s.cfg.MaxShortTermItems)
}

// relatedLocked links e to every stored entry whose embedding is closer than
// the consolidation threshold. Links point from the newer entry to the older.
func (s *Store) relatedLocked(e *Entry) []string {
	if len(e.Embedding) == 0 {
		return e.RelatedIDs
	}
	related := append([]string(nil), e.RelatedIDs...)
	link := func(list []*Entry) {
		for _, other := range list {
			if cosine(e.Embedding, other.Embedding) > s.cfg.ConsolidationThreshold {
				related = append(related, other.ID)
			}
		}
	}
	link(s.short)
	link(s.long)
	return related
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, errors.New("embedder returned no vector")
	}
	return vecs[0], nil
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Entries returns copies of the short-term and long-term partitions.
func (s *Store) Entries() (short, long []*Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.short), cloneAll(s.long)
}

// Clear removes every entry, including those held by the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.short = nil
	s.long = nil
	s.index = make(map[string]*Entry)
	s.recent = make(map[string]recentAdd)
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Clear(ctx); err != nil {
			return fmt.Errorf("backend clear: %w", err)
		}
	}
	s.logger.Info("memory cleared")
	return nil
}

// GetMetrics summarizes the partitions and maintenance counters.
func (s *Store) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{
		ShortTermCount:  len(s.short),
		LongTermCount:   len(s.long),
		Archived:        s.archived,
		Consolidated:    s.consolidated,
		Pruned:          s.pruned,
		LastMaintenance: s.lastMaintenance,
		Backend:         s.cfg.Backend,
	}
	var sum float64
	for _, list := range [][]*Entry{s.short, s.long} {
		for _, e := range list {
			m.TotalTokens += e.TokenCount
			sum += e.Importance
		}
	}
	if n := m.ShortTermCount + m.LongTermCount; n > 0 {
		m.AverageImportance = sum / float64(n)
	}
	return m
}

func cloneAll(list []*Entry) []*Entry {
	out := make([]*Entry, len(list))
	for i, e := range list {
		out[i] = e.clone()
	}
	return out
}
