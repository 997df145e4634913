package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// GraphBackend stores entries as Memory nodes in Neo4j, with RELATED_TO
// edges for similarity links.
type GraphBackend struct {
	driver    neo4j.DriverWithContext
	namespace string
	logger    *zap.Logger
}

// NewGraphBackend creates a Neo4j-backed memory scoped to namespace.
func NewGraphBackend(uri, user, password, namespace string, logger *zap.Logger) (*GraphBackend, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &GraphBackend{driver: driver, namespace: namespace, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *GraphBackend) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *GraphBackend) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Add creates the Memory node and links it to its related entries.
func (g *GraphBackend) Add(ctx context.Context, e *Entry) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`CREATE (m:Memory {
			id: $id, namespace: $ns, content: $content, type: $type,
			role: $role, created_at: $createdAt, token_count: $tokens,
			embedding: $embedding, importance: $importance, tags: $tags,
			last_accessed: $lastAccessed, access_count: $accessCount
		})
		 WITH m
		 UNWIND $related AS rid
		 MATCH (o:Memory {id: rid, namespace: $ns})
		 MERGE (m)-[:RELATED_TO]->(o)`,
		map[string]interface{}{
			"id":           e.ID,
			"ns":           g.namespace,
			"content":      e.Content,
			"type":         string(e.Type),
			"role":         e.Role,
			"createdAt":    e.Timestamp.UnixNano(),
			"tokens":       int64(e.TokenCount),
			"embedding":    toFloat64s(e.Embedding),
			"importance":   e.Importance,
			"tags":         nonNil(e.Tags),
			"lastAccessed": e.LastAccessed.UnixNano(),
			"accessCount":  int64(e.AccessCount),
			"related":      nonNil(e.RelatedIDs),
		})
	if err != nil {
		return fmt.Errorf("neo4j add %s: %w", e.ID, err)
	}
	_, err = result.Consume(ctx)
	return err
}

// Search scores the newest Memory nodes in the namespace.
func (g *GraphBackend) Search(ctx context.Context, q SearchQuery) ([]QueryResult, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {namespace: $ns})
		 OPTIONAL MATCH (m)-[:RELATED_TO]->(o:Memory)
		 WITH m, collect(o.id) AS related
		 RETURN m, related
		 ORDER BY m.created_at DESC LIMIT $limit`,
		map[string]interface{}{"ns": g.namespace, "limit": int64(scanBackendCap)})
	if err != nil {
		return nil, fmt.Errorf("neo4j search: %w", err)
	}

	var entries []*Entry
	for result.Next(ctx) {
		rec := result.Record()
		raw, _ := rec.Get("m")
		node, ok := raw.(neo4j.Node)
		if !ok {
			continue
		}
		e := entryFromProps(node.Props)
		if related, ok := rec.Get("related"); ok {
			e.RelatedIDs = toStrings(related)
		}
		entries = append(entries, e)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j search: %w", err)
	}
	return rankScanned(entries, q), nil
}

// Update sets the patched properties on an existing node.
func (g *GraphBackend) Update(ctx context.Context, id string, p Patch) error {
	props := make(map[string]interface{})
	if p.Importance != nil {
		props["importance"] = *p.Importance
	}
	if p.AccessCount != nil {
		props["access_count"] = int64(*p.AccessCount)
	}
	if p.LastAccessed != nil {
		props["last_accessed"] = p.LastAccessed.UnixNano()
	}
	if p.Tags != nil {
		props["tags"] = p.Tags
	}
	if len(props) == 0 {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {id: $id, namespace: $ns}) SET m += $props RETURN count(m) AS n`,
		map[string]interface{}{"id": id, "ns": g.namespace, "props": props})
	if err != nil {
		return fmt.Errorf("neo4j update %s: %w", id, err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("n"); n == int64(0) {
			return fmt.Errorf("neo4j update %s: %w", id, ErrEntryNotFound)
		}
	}
	return result.Err()
}

// Delete removes a node and its relationships.
func (g *GraphBackend) Delete(ctx context.Context, id string) error {
	return g.write(ctx, `MATCH (m:Memory {id: $id, namespace: $ns}) DETACH DELETE m`,
		map[string]interface{}{"id": id, "ns": g.namespace})
}

// Clear removes every node in the namespace.
func (g *GraphBackend) Clear(ctx context.Context) error {
	if err := g.write(ctx, `MATCH (m:Memory {namespace: $ns}) DETACH DELETE m`,
		map[string]interface{}{"ns": g.namespace}); err != nil {
		return err
	}
	g.logger.Info("graph memory cleared", zap.String("namespace", g.namespace))
	return nil
}

func (g *GraphBackend) write(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return fmt.Errorf("neo4j write: %w", err)
	}
	_, err = result.Consume(ctx)
	return err
}

func entryFromProps(p map[string]any) *Entry {
	e := &Entry{}
	e.ID, _ = p["id"].(string)
	e.Content, _ = p["content"].(string)
	if t, ok := p["type"].(string); ok {
		e.Type = EntryType(t)
	}
	e.Role, _ = p["role"].(string)
	e.Importance, _ = p["importance"].(float64)
	if v, ok := p["created_at"].(int64); ok {
		e.Timestamp = time.Unix(0, v)
	}
	if v, ok := p["last_accessed"].(int64); ok {
		e.LastAccessed = time.Unix(0, v)
	}
	if v, ok := p["token_count"].(int64); ok {
		e.TokenCount = int(v)
	}
	if v, ok := p["access_count"].(int64); ok {
		e.AccessCount = int(v)
	}
	e.Tags = toStrings(p["tags"])
	if raw, ok := p["embedding"].([]any); ok {
		e.Embedding = make([]float32, 0, len(raw))
		for _, x := range raw {
			if f, ok := x.(float64); ok {
				e.Embedding = append(e.Embedding, float32(f))
			}
		}
	}
	return e
}

func toStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
