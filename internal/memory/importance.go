package memory

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	lengthSaturation = 500 // characters at which the length factor reaches 1
	ageHalfLife      = 30 * 24 * time.Hour
	recencyHalfLife  = 7 * 24 * time.Hour
	accessSaturation = 10
	ageWeight        = 0.4
	accessWeight     = 0.3
	recencyWeight    = 0.3
	similarityWindow = 5
)

// importance is the mean of the length factor, the best cosine similarity to
// recent entries and the key-term signal. The similarity term is left out
// when e has no embedding or no recent entry carries one.
func (s *Store) importance(e *Entry, recent []*Entry) float64 {
	length := math.Min(float64(len(e.Content))/lengthSaturation, 1)

	keyTerm := 0.0
	lower := strings.ToLower(e.Content)
	for _, term := range s.cfg.KeyTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			keyTerm = 1
			break
		}
	}

	sum, n := length+keyTerm, 2.0
	if len(e.Embedding) > 0 {
		best, found := 0.0, false
		for _, r := range recent {
			if len(r.Embedding) != len(e.Embedding) {
				continue
			}
			found = true
			if c := cosine(e.Embedding, r.Embedding); c > best {
				best = c
			}
		}
		if found {
			sum += best
			n++
		}
	}
	return clamp01(sum / n)
}

// latestShortLocked returns up to n of the most recently added short-term entries.
func (s *Store) latestShortLocked(n int) []*Entry {
	if len(s.short) <= n {
		return s.short
	}
	return s.short[len(s.short)-n:]
}

// decayedImportance recombines age, access count and recency of last access.
func decayedImportance(e *Entry, now time.Time) float64 {
	age := now.Sub(e.Timestamp)
	if age < 0 {
		age = 0
	}
	sinceAccess := now.Sub(e.LastAccessed)
	if sinceAccess < 0 {
		sinceAccess = 0
	}
	ageDecay := math.Pow(0.5, float64(age)/float64(ageHalfLife))
	accessBoost := math.Min(float64(e.AccessCount)/accessSaturation, 1)
	recency := math.Pow(0.5, float64(sinceAccess)/float64(recencyHalfLife))
	return clamp01(ageWeight*ageDecay + accessWeight*accessBoost + recencyWeight*recency)
}

// DecayImportance replaces every entry's importance with its decayed score.
// Scores are computed from a snapshot and written back to entries that still
// exist. It returns the number of entries updated.
func (s *Store) DecayImportance(ctx context.Context) int {
	s.mu.RLock()
	if s.backend != nil {
		s.mu.RUnlock()
		return 0
	}
	snapshot := append(cloneAll(s.short), cloneAll(s.long)...)
	s.mu.RUnlock()

	now := s.now()
	scores := make(map[string]float64, len(snapshot))
	for _, e := range snapshot {
		if ctx.Err() != nil {
			return 0
		}
		scores[e.ID] = decayedImportance(e, now)
	}

	s.mu.Lock()
	updated := 0
	for id, score := range scores {
		if e, ok := s.index[id]; ok {
			e.Importance = score
			updated++
		}
	}
	s.mu.Unlock()

	s.logger.Debug("importance decay applied", zap.Int("updated", updated))
	return updated
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
