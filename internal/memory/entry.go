package memory

import (
	"sort"
	"strings"
	"time"
)

// EntryType tags what produced a memory entry.
type EntryType string

const (
	TypeMessage      EntryType = "message"
	TypeTask         EntryType = "task"
	TypeResult       EntryType = "result"
	TypeError        EntryType = "error"
	TypeSystem       EntryType = "system"
	TypeTool         EntryType = "tool"
	TypeConversation EntryType = "conversation"
)

// Entry is a single remembered item. An entry lives in exactly one of the
// short-term or long-term partitions; IsLongTerm records which.
type Entry struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Type         EntryType         `json:"type"`
	Role         string            `json:"role,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	TokenCount   int               `json:"token_count"`
	Embedding    []float32         `json:"embedding,omitempty"`
	Importance   float64           `json:"importance"`
	Tags         []string          `json:"tags,omitempty"`
	LastAccessed time.Time         `json:"last_accessed"`
	AccessCount  int               `json:"access_count"`
	RelatedIDs   []string          `json:"related_ids,omitempty"`
	IsLongTerm   bool              `json:"is_long_term"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Embedding = append([]float32(nil), e.Embedding...)
	c.Tags = append([]string(nil), e.Tags...)
	c.RelatedIDs = append([]string(nil), e.RelatedIDs...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (e *Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// relatedKey is the canonical form of the related-id set, used to group
// entries during consolidation.
func (e *Entry) relatedKey() string {
	if len(e.RelatedIDs) == 0 {
		return ""
	}
	ids := append([]string(nil), e.RelatedIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// IndexStrategy selects how Query scores entries.
type IndexStrategy string

const (
	IndexSemantic IndexStrategy = "semantic"
	IndexKeyword  IndexStrategy = "keyword"
)

// Config controls capacity, thresholds and maintenance of a Store.
type Config struct {
	MaxShortTermItems      int           `json:"max_short_term_items" yaml:"max_short_term_items"`
	ArchiveThreshold       float64       `json:"archive_threshold" yaml:"archive_threshold"`             // fraction of MaxShortTermItems that triggers archival
	ConsolidationThreshold float64       `json:"consolidation_threshold" yaml:"consolidation_threshold"` // cosine above which entries are linked
	ImportanceThreshold    float64       `json:"importance_threshold" yaml:"importance_threshold"`       // prune ceiling
	QueryThreshold         float64       `json:"query_threshold" yaml:"query_threshold"`
	DedupWindow            time.Duration `json:"dedup_window" yaml:"dedup_window"`
	DisableDeduplication   bool          `json:"disable_deduplication" yaml:"disable_deduplication"`
	IndexStrategy          IndexStrategy `json:"index_strategy" yaml:"index_strategy"`
	KeyTerms               []string      `json:"key_terms" yaml:"key_terms"`
	MaintenanceInterval    time.Duration `json:"maintenance_interval" yaml:"maintenance_interval"`
	Backend                string        `json:"backend" yaml:"backend"` // "", "redis", "neo4j" or "qdrant"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxShortTermItems:      100,
		ArchiveThreshold:       0.8,
		ConsolidationThreshold: 0.7,
		ImportanceThreshold:    0.3,
		QueryThreshold:         0.3,
		DedupWindow:            5 * time.Minute,
		IndexStrategy:          IndexSemantic,
		KeyTerms:               []string{"important", "critical", "error", "urgent", "must", "remember", "decision", "deadline"},
		MaintenanceInterval:    time.Hour,
	}
}

// normalize fills zero fields from DefaultConfig.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxShortTermItems <= 0 {
		c.MaxShortTermItems = d.MaxShortTermItems
	}
	if c.ArchiveThreshold <= 0 {
		c.ArchiveThreshold = d.ArchiveThreshold
	}
	if c.ConsolidationThreshold <= 0 {
		c.ConsolidationThreshold = d.ConsolidationThreshold
	}
	if c.ImportanceThreshold <= 0 {
		c.ImportanceThreshold = d.ImportanceThreshold
	}
	if c.QueryThreshold <= 0 {
		c.QueryThreshold = d.QueryThreshold
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.IndexStrategy == "" {
		c.IndexStrategy = d.IndexStrategy
	}
	if len(c.KeyTerms) == 0 {
		c.KeyTerms = d.KeyTerms
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}

// Filter restricts which entries a query may return.
type Filter struct {
	Types []EntryType `json:"types,omitempty"`
	Tags  []string    `json:"tags,omitempty"` // entry must carry every tag
}

func (f Filter) matches(e *Entry) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !e.hasTag(tag) {
			return false
		}
	}
	return true
}

// QueryOptions tunes a Query call. Zero values mean defaults.
type QueryOptions struct {
	Limit         int     `json:"limit"`
	Threshold     float64 `json:"threshold"`
	Filter        Filter  `json:"filter"`
	ExpandContext bool    `json:"expand_context"`
}

// QueryResult is a ranked hit with optional temporal neighbours.
type QueryResult struct {
	Entry   *Entry   `json:"entry"`
	Score   float64  `json:"score"`
	Context []*Entry `json:"context,omitempty"`
}

// Metrics is a point-in-time summary of the store.
type Metrics struct {
	ShortTermCount    int       `json:"short_term_count"`
	LongTermCount     int       `json:"long_term_count"`
	TotalTokens       int       `json:"total_tokens"`
	AverageImportance float64   `json:"average_importance"`
	Archived          int64     `json:"archived"`
	Consolidated      int64     `json:"consolidated"`
	Pruned            int64     `json:"pruned"`
	LastMaintenance   time.Time `json:"last_maintenance"`
	Backend           string    `json:"backend,omitempty"`
}
