//go:build integration

package memory

import (
	"context"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func startNeo4j(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}
	return uri
}

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	s := NewStore(Config{}, nil, zap.NewNop())
	s.SetBackend(b)

	id, err := s.Add(ctx, Entry{Type: TypeResult, Content: "quarterly revenue report", Tags: []string{"finance"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Add(ctx, Entry{Type: TypeMessage, Content: "weather is sunny"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := s.Query(ctx, "revenue report", QueryOptions{Filter: Filter{Types: []EntryType{TypeResult}}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].Entry.ID != id {
		t.Fatalf("results = %+v", results)
	}

	again, err := b.Search(ctx, SearchQuery{Text: "revenue", Threshold: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(again) != 1 || again[0].Entry.AccessCount != 1 {
		t.Errorf("access count not persisted: %+v", again)
	}

	if err := b.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	left, err := b.Search(ctx, SearchQuery{Text: "weather", Threshold: 0.1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("entries left after clear: %d", len(left))
	}
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewRedisBackend(startRedis(t, ctx), "test:memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}

func TestGraphBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewGraphBackend(startNeo4j(t, ctx), "", "", "test", zap.NewNop())
	if err != nil {
		t.Fatalf("new graph backend: %v", err)
	}
	defer b.Close(ctx)
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	exerciseBackend(t, b)
}
