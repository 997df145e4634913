package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Backend is an external store that replaces the in-process partitions.
type Backend interface {
	Add(ctx context.Context, e *Entry) error
	Search(ctx context.Context, q SearchQuery) ([]QueryResult, error)
	Update(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// SearchQuery is what a Backend searches with. Embedding is nil when no
// embedder is configured.
type SearchQuery struct {
	Text      string
	Embedding []float32
	Filter    Filter
	Threshold float64
}

// Patch lists the fields an Update changes; nil fields are left alone.
type Patch struct {
	Importance   *float64
	AccessCount  *int
	LastAccessed *time.Time
	Tags         []string
}

// scanBackendCap bounds how many entries the scan-and-score backends read per search.
const scanBackendCap = 1000

// entryFields flattens an entry into string fields for hash and payload storage.
func entryFields(e *Entry) map[string]string {
	f := map[string]string{
		"id":            e.ID,
		"content":       e.Content,
		"type":          string(e.Type),
		"role":          e.Role,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"token_count":   strconv.Itoa(e.TokenCount),
		"importance":    strconv.FormatFloat(e.Importance, 'f', -1, 64),
		"tags":          strings.Join(e.Tags, ","),
		"last_accessed": e.LastAccessed.UTC().Format(time.RFC3339Nano),
		"access_count":  strconv.Itoa(e.AccessCount),
		"related_ids":   strings.Join(e.RelatedIDs, ","),
	}
	if len(e.Embedding) > 0 {
		if b, err := json.Marshal(e.Embedding); err == nil {
			f["embedding"] = string(b)
		}
	}
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			f["metadata"] = string(b)
		}
	}
	return f
}

// entryFromFields is the inverse of entryFields. Malformed numeric fields
// decode as zero.
func entryFromFields(f map[string]string) *Entry {
	e := &Entry{
		ID:      f["id"],
		Content: f["content"],
		Type:    EntryType(f["type"]),
		Role:    f["role"],
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, f["timestamp"])
	e.LastAccessed, _ = time.Parse(time.RFC3339Nano, f["last_accessed"])
	e.TokenCount, _ = strconv.Atoi(f["token_count"])
	e.AccessCount, _ = strconv.Atoi(f["access_count"])
	e.Importance, _ = strconv.ParseFloat(f["importance"], 64)
	e.Tags = splitList(f["tags"])
	e.RelatedIDs = splitList(f["related_ids"])
	if raw := f["embedding"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Embedding)
	}
	if raw := f["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Metadata)
	}
	e.IsLongTerm = f["is_long_term"] == "true"
	return e
}

// patchFields renders a Patch as string fields.
func patchFields(p Patch) map[string]string {
	f := make(map[string]string)
	if p.Importance != nil {
		f["importance"] = strconv.FormatFloat(*p.Importance, 'f', -1, 64)
	}
	if p.AccessCount != nil {
		f["access_count"] = strconv.Itoa(*p.AccessCount)
	}
	if p.LastAccessed != nil {
		f["last_accessed"] = p.LastAccessed.UTC().Format(time.RFC3339Nano)
	}
	if p.Tags != nil {
		f["tags"] = strings.Join(p.Tags, ",")
	}
	return f
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// rankScanned scores entries read by a scan-and-score backend.
func rankScanned(entries []*Entry, q SearchQuery) []QueryResult {
	terms := uniqueTerms(q.Text)
	var out []QueryResult
	for _, e := range entries {
		if !q.Filter.matches(e) {
			continue
		}
		if score := scoreEntry(terms, q.Embedding, e); score >= q.Threshold {
			out = append(out, QueryResult{Entry: e, Score: score})
		}
	}
	return out
}
