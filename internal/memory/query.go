package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueryLimit = 10
	contextWindow     = 5 * time.Minute
	maxContextEntries = 5
)

// Query ranks stored entries against text. With an embedder and the semantic
// strategy, entries are scored by cosine similarity to the query embedding;
// otherwise by the fraction of query terms they contain. Every matching entry
// has its access count and last-accessed time updated before the results are
// truncated to opts.Limit.
func (s *Store) Query(ctx context.Context, text string, opts QueryOptions) ([]QueryResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.QueryThreshold
	}

	var queryVec []float32
	if s.cfg.IndexStrategy == IndexSemantic && s.embedder != nil && text != "" {
		vec, err := s.embed(ctx, text)
		if err != nil {
			s.logger.Warn("query embedding failed, using term overlap", zap.Error(err))
		} else {
			queryVec = vec
		}
	}
	terms := uniqueTerms(text)

	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend != nil {
		return s.queryBackend(ctx, backend, text, queryVec, opts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []QueryResult
	for _, list := range [][]*Entry{s.short, s.long} {
		for _, e := range list {
			if !opts.Filter.matches(e) {
				continue
			}
			score := scoreEntry(terms, queryVec, e)
			if score >= opts.Threshold {
				results = append(results, QueryResult{Entry: e, Score: score})
			}
		}
	}
	sortResults(results)

	now := s.now()
	for i := range results {
		hit := results[i].Entry
		var neighbours []*Entry
		if opts.ExpandContext {
			neighbours = s.neighboursLocked(hit)
		}
		touch(hit, now)
		for _, n := range neighbours {
			touch(n, now)
		}
		results[i].Entry = hit.clone()
		results[i].Context = cloneAll(neighbours)
	}

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	s.logger.Debug("memory query",
		zap.Int("terms", len(terms)),
		zap.Bool("semantic", queryVec != nil),
		zap.Int("results", len(results)))
	return results, nil
}

// neighboursLocked returns up to five other entries created within five
// minutes of hit, nearest in time first.
func (s *Store) neighboursLocked(hit *Entry) []*Entry {
	type near struct {
		e    *Entry
		dist time.Duration
	}
	var found []near
	for _, list := range [][]*Entry{s.short, s.long} {
		for _, e := range list {
			if e.ID == hit.ID {
				continue
			}
			d := e.Timestamp.Sub(hit.Timestamp)
			if d < 0 {
				d = -d
			}
			if d <= contextWindow {
				found = append(found, near{e, d})
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	if len(found) > maxContextEntries {
		found = found[:maxContextEntries]
	}
	out := make([]*Entry, len(found))
	for i, n := range found {
		out[i] = n.e
	}
	return out
}

func (s *Store) queryBackend(ctx context.Context, b Backend, text string, queryVec []float32, opts QueryOptions) ([]QueryResult, error) {
	results, err := b.Search(ctx, SearchQuery{
		Text:      text,
		Embedding: queryVec,
		Filter:    opts.Filter,
		Threshold: opts.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("backend search: %w", err)
	}
	sortResults(results)

	now := s.now()
	for _, r := range results {
		touch(r.Entry, now)
		count, at := r.Entry.AccessCount, r.Entry.LastAccessed
		if err := b.Update(ctx, r.Entry.ID, Patch{AccessCount: &count, LastAccessed: &at}); err != nil {
			s.logger.Warn("backend access update failed", zap.String("id", r.Entry.ID), zap.Error(err))
		}
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func touch(e *Entry, now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}
