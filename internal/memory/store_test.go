package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// mapEmbedder returns fixed vectors keyed by exact text.
type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m[t]
	}
	return out, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(cfg Config, emb Embedder) (*Store, *testClock) {
	clock := &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(cfg, emb, zap.NewNop())
	s.now = clock.now
	return s, clock
}

func mustAdd(t *testing.T, s *Store, e Entry) string {
	t.Helper()
	id, err := s.Add(context.Background(), e)
	if err != nil {
		t.Fatalf("add %q: %v", e.Content, err)
	}
	return id
}

func TestAddDeduplicatesWithinWindow(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)

	first := mustAdd(t, s, Entry{Type: TypeTask, Content: "summarize X"})
	clock.advance(time.Minute)
	second := mustAdd(t, s, Entry{Type: TypeTask, Content: "summarize X"})
	if first != second {
		t.Errorf("duplicate add returned new id %s, want %s", second, first)
	}
	if m := s.GetMetrics(); m.ShortTermCount != 1 {
		t.Fatalf("short-term count = %d, want 1", m.ShortTermCount)
	}

	// Same content under a different type is not a duplicate.
	mustAdd(t, s, Entry{Type: TypeResult, Content: "summarize X"})

	clock.advance(6 * time.Minute)
	third := mustAdd(t, s, Entry{Type: TypeTask, Content: "summarize X"})
	if third == first {
		t.Error("add outside the dedup window returned the old id")
	}
	if m := s.GetMetrics(); m.ShortTermCount != 3 {
		t.Errorf("short-term count = %d, want 3", m.ShortTermCount)
	}
}

func TestAddDeduplicationDisabled(t *testing.T) {
	s, _ := newTestStore(Config{DisableDeduplication: true}, nil)
	mustAdd(t, s, Entry{Content: "same"})
	mustAdd(t, s, Entry{Content: "same"})
	if m := s.GetMetrics(); m.ShortTermCount != 2 {
		t.Errorf("short-term count = %d, want 2", m.ShortTermCount)
	}
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	if _, err := s.Add(context.Background(), Entry{}); err != ErrEmptyContent {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
}

func TestImportanceWithoutEmbeddings(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	id := mustAdd(t, s, Entry{Content: "critical fix"})
	e, _ := s.Get(id)
	want := (12.0/500 + 1) / 2
	if math.Abs(e.Importance-want) > 1e-9 {
		t.Errorf("importance = %v, want %v", e.Importance, want)
	}

	id = mustAdd(t, s, Entry{Content: strings.Repeat("a", 1000)})
	e, _ = s.Get(id)
	if math.Abs(e.Importance-0.5) > 1e-9 {
		t.Errorf("importance = %v, want 0.5 (capped length, no key term)", e.Importance)
	}
}

func TestImportanceWithEmbeddings(t *testing.T) {
	emb := mapEmbedder{
		"first":  {1, 0},
		"second": {1, 0},
	}
	s, _ := newTestStore(Config{}, emb)
	mustAdd(t, s, Entry{Content: "first"})
	id := mustAdd(t, s, Entry{Content: "second"})
	e, _ := s.Get(id)
	want := (6.0/500 + 0 + 1) / 3 // length, key term, cosine to "first"
	if math.Abs(e.Importance-want) > 1e-9 {
		t.Errorf("importance = %v, want %v", e.Importance, want)
	}
}

func TestArchiveMovesLowestHalf(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)
	importances := []float64{0.5, 0.1, 0.9, 0.1, 0.3}
	ids := make([]string, len(importances))
	for i, imp := range importances {
		ids[i] = mustAdd(t, s, Entry{Content: strings.Repeat("x", i+1), Importance: imp})
		clock.advance(time.Second)
	}

	moved := s.Archive(context.Background())
	if moved != 2 {
		t.Fatalf("moved = %d, want floor(5/2) = 2", moved)
	}
	short, long := s.Entries()
	if len(short) != 3 || len(long) != 2 {
		t.Fatalf("partitions = %d/%d, want 3/2", len(short), len(long))
	}
	if long[0].ID != ids[1] || long[1].ID != ids[3] {
		t.Errorf("archived %s,%s, want the two 0.1 entries in timestamp order", long[0].ID, long[1].ID)
	}
	for _, e := range long {
		if !e.IsLongTerm {
			t.Errorf("entry %s not tagged long-term", e.ID)
		}
	}

	if moved := s.Archive(context.Background()); moved != 1 {
		t.Errorf("second archive moved %d, want 1", moved)
	}
}

func TestArchiveSingleEntryMovesNothing(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Content: "only"})
	if moved := s.Archive(context.Background()); moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
}

func TestAddTriggersArchive(t *testing.T) {
	s, _ := newTestStore(Config{MaxShortTermItems: 4, ArchiveThreshold: 0.5}, nil)
	bus := event.NewBus(nil)
	var seen []int
	bus.Subscribe(func(e event.Event) {
		// Emitted after the move is applied.
		seen = append(seen, s.GetMetrics().LongTermCount)
	}, event.MemoryArchived)
	s.SetEvents(bus)

	mustAdd(t, s, Entry{Content: "one"})
	if m := s.GetMetrics(); m.LongTermCount != 0 {
		t.Fatalf("archived too early: %+v", m)
	}
	mustAdd(t, s, Entry{Content: "two"})
	m := s.GetMetrics()
	if m.ShortTermCount != 1 || m.LongTermCount != 1 || m.Archived != 1 {
		t.Errorf("metrics = %+v, want 1 short, 1 long", m)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("archive events observed long-term counts %v, want [1]", seen)
	}
}

func TestRelatedLinks(t *testing.T) {
	emb := mapEmbedder{
		"base": {1, 0, 0},
		"near": {1, 1, 0},
		"far":  {0, 0, 1},
	}
	s, _ := newTestStore(Config{}, emb)
	base := mustAdd(t, s, Entry{Content: "base"})
	near := mustAdd(t, s, Entry{Content: "near"})
	far := mustAdd(t, s, Entry{Content: "far"})

	e, _ := s.Get(near)
	if len(e.RelatedIDs) != 1 || e.RelatedIDs[0] != base {
		t.Errorf("near related = %v, want [%s]", e.RelatedIDs, base)
	}
	e, _ = s.Get(far)
	if len(e.RelatedIDs) != 0 {
		t.Errorf("far related = %v, want none", e.RelatedIDs)
	}
}

func TestConsolidateMergesGroups(t *testing.T) {
	emb := mapEmbedder{
		"hub":   {1, 0, 0},
		"alpha": {1, 1, 0},
		"beta":  {1, -1, 0},
		"gamma": {1, 0, 1},
	}
	s, _ := newTestStore(Config{}, emb)
	bus := event.NewBus(nil)
	events := 0
	bus.Subscribe(func(event.Event) { events++ }, event.MemoryConsolidated)
	s.SetEvents(bus)

	hub := mustAdd(t, s, Entry{Content: "hub"})
	mustAdd(t, s, Entry{Content: "alpha", Importance: 0.2, Tags: []string{"a"}})
	mustAdd(t, s, Entry{Content: "beta", Importance: 0.9, Tags: []string{"b"}})
	mustAdd(t, s, Entry{Content: "gamma", Importance: 0.5, Tags: []string{"a", "c"}})

	if n := s.Consolidate(context.Background()); n != 1 {
		t.Fatalf("consolidated groups = %d, want 1", n)
	}
	short, _ := s.Entries()
	if len(short) != 2 {
		t.Fatalf("short-term has %d entries, want hub + merged", len(short))
	}
	if short[0].ID != hub {
		t.Errorf("hub entry was removed")
	}
	merged := short[1]
	if merged.Content != "beta\ngamma\nalpha" {
		t.Errorf("merged content = %q", merged.Content)
	}
	if merged.Importance != 0.9 {
		t.Errorf("merged importance = %v, want 0.9", merged.Importance)
	}
	if len(merged.Tags) != 3 {
		t.Errorf("merged tags = %v, want union of a,b,c", merged.Tags)
	}
	if len(merged.RelatedIDs) != 1 || merged.RelatedIDs[0] != hub {
		t.Errorf("merged related = %v", merged.RelatedIDs)
	}
	if events != 1 {
		t.Errorf("consolidation events = %d, want 1", events)
	}
	if m := s.GetMetrics(); m.Consolidated != 1 {
		t.Errorf("consolidated counter = %d", m.Consolidated)
	}
}

func TestConsolidateIgnoresSmallGroups(t *testing.T) {
	emb := mapEmbedder{"hub": {1, 0}, "a": {1, 1}, "b": {1, -1}}
	s, _ := newTestStore(Config{}, emb)
	mustAdd(t, s, Entry{Content: "hub"})
	mustAdd(t, s, Entry{Content: "a"})
	mustAdd(t, s, Entry{Content: "b"})
	if n := s.Consolidate(context.Background()); n != 0 {
		t.Errorf("consolidated %d groups from a pair", n)
	}
}

func TestPrune(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)
	for i, imp := range []float64{0.1, 0.2, 0.8, 0.9} {
		mustAdd(t, s, Entry{Content: strings.Repeat("p", i+1), Importance: imp})
	}
	if moved := s.Archive(context.Background()); moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}

	if n := s.Prune(context.Background()); n != 0 {
		t.Errorf("pruned %d recently accessed entries", n)
	}

	clock.advance(8 * 24 * time.Hour)
	if n := s.Prune(context.Background()); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	m := s.GetMetrics()
	if m.LongTermCount != 0 || m.ShortTermCount != 2 || m.Pruned != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPruneKeepsFrequentlyAccessed(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Content: "rare", Importance: 0.1})
	mustAdd(t, s, Entry{Content: "other", Importance: 0.9})
	s.Archive(context.Background())

	for i := 0; i < 6; i++ {
		if _, err := s.Query(context.Background(), "rare", QueryOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	clock.advance(8 * 24 * time.Hour)
	if n := s.Prune(context.Background()); n != 0 {
		t.Errorf("pruned an entry accessed 6 times")
	}
}

func TestDecayImportance(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)
	id := mustAdd(t, s, Entry{Content: "decays", Importance: 0.9})

	s.DecayImportance(context.Background())
	e, _ := s.Get(id)
	if math.Abs(e.Importance-0.7) > 1e-9 {
		t.Errorf("fresh importance = %v, want 0.7", e.Importance)
	}

	clock.advance(30 * 24 * time.Hour)
	s.DecayImportance(context.Background())
	e, _ = s.Get(id)
	want := 0.4*0.5 + 0.3*math.Pow(0.5, 30.0/7.0)
	if math.Abs(e.Importance-want) > 1e-9 {
		t.Errorf("decayed importance = %v, want %v", e.Importance, want)
	}
}

func TestQueryKeyword(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	deploy := mustAdd(t, s, Entry{Content: "deploy the billing service"})
	mustAdd(t, s, Entry{Content: "lunch menu"})

	results, err := s.Query(context.Background(), "deploy service", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != deploy {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Score != 1 {
		t.Errorf("score = %v, want 1", results[0].Score)
	}
	e, _ := s.Get(deploy)
	if e.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", e.AccessCount)
	}
}

func TestQuerySemanticOrderAndLimit(t *testing.T) {
	emb := mapEmbedder{
		"query": {1, 0},
		"close": {0.9, 0.1},
		"mid":   {0.7, 0.7},
		"far":   {0, 1},
	}
	s, _ := newTestStore(Config{}, emb)
	closeID := mustAdd(t, s, Entry{Content: "close"})
	midID := mustAdd(t, s, Entry{Content: "mid"})
	mustAdd(t, s, Entry{Content: "far"})

	results, err := s.Query(context.Background(), "query", QueryOptions{Limit: 1, Threshold: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != closeID {
		t.Fatalf("results = %+v", results)
	}
	// Bookkeeping runs before truncation.
	if e, _ := s.Get(midID); e.AccessCount != 1 {
		t.Errorf("mid access count = %d, want 1", e.AccessCount)
	}
}

func TestQueryFilterAndContext(t *testing.T) {
	s, clock := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Type: TypeMessage, Content: "before"})
	clock.advance(time.Minute)
	hit := mustAdd(t, s, Entry{Type: TypeTask, Content: "release notes", Tags: []string{"docs"}})
	clock.advance(time.Minute)
	mustAdd(t, s, Entry{Type: TypeMessage, Content: "release party"})
	clock.advance(10 * time.Minute)
	mustAdd(t, s, Entry{Type: TypeMessage, Content: "much later"})

	results, err := s.Query(context.Background(), "release", QueryOptions{
		Filter:        Filter{Types: []EntryType{TypeTask}, Tags: []string{"docs"}},
		ExpandContext: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != hit {
		t.Fatalf("results = %+v", results)
	}
	if len(results[0].Context) != 2 {
		t.Errorf("context = %d entries, want the two within five minutes", len(results[0].Context))
	}
}

func TestBuildContext(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Type: TypeResult, Content: "golang release uses modules"})
	blocks, err := s.BuildContext(context.Background(), "golang modules", DefaultContextBudget())
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	prompt := FormatContextPrompt(blocks)
	if !strings.HasPrefix(prompt, "[Memory Context]") || !strings.Contains(prompt, "golang release") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestClearAndMetrics(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Content: "abcdefgh", Importance: 0.4})
	mustAdd(t, s, Entry{Content: "ijklmnop", Importance: 0.6})
	m := s.GetMetrics()
	if m.TotalTokens != 4 || math.Abs(m.AverageImportance-0.5) > 1e-9 {
		t.Errorf("metrics = %+v", m)
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m := s.GetMetrics(); m.ShortTermCount != 0 || m.LongTermCount != 0 {
		t.Errorf("after clear: %+v", m)
	}
}

func TestRunMaintenance(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	mustAdd(t, s, Entry{Content: "keep"})
	s.RunMaintenance(context.Background())
	if s.GetMetrics().LastMaintenance.IsZero() {
		t.Error("last maintenance not recorded")
	}
}

type fakeBackend struct {
	added   []*Entry
	updates map[string]Patch
	cleared bool
}

func (f *fakeBackend) Add(_ context.Context, e *Entry) error {
	f.added = append(f.added, e.clone())
	return nil
}

func (f *fakeBackend) Search(_ context.Context, q SearchQuery) ([]QueryResult, error) {
	return rankScanned(cloneAll(f.added), q), nil
}

func (f *fakeBackend) Update(_ context.Context, id string, p Patch) error {
	if f.updates == nil {
		f.updates = make(map[string]Patch)
	}
	f.updates[id] = p
	return nil
}

func (f *fakeBackend) Delete(context.Context, string) error { return nil }

func (f *fakeBackend) Clear(context.Context) error {
	f.cleared = true
	return nil
}

func TestBackendBypassesPartitions(t *testing.T) {
	s, _ := newTestStore(Config{}, nil)
	b := &fakeBackend{}
	s.SetBackend(b)

	id := mustAdd(t, s, Entry{Content: "stored remotely"})
	if dup := mustAdd(t, s, Entry{Content: "stored remotely"}); dup != id {
		t.Errorf("duplicate add through backend returned %s", dup)
	}
	if len(b.added) != 1 {
		t.Fatalf("backend got %d adds, want 1", len(b.added))
	}
	if m := s.GetMetrics(); m.ShortTermCount != 0 {
		t.Errorf("local partition used: %+v", m)
	}

	results, err := s.Query(context.Background(), "remotely", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if p, ok := b.updates[id]; !ok || *p.AccessCount != 1 {
		t.Errorf("access update = %+v", b.updates)
	}
	if s.Archive(context.Background()) != 0 || s.Consolidate(context.Background()) != 0 {
		t.Error("maintenance ran against partitions with a backend set")
	}
	if err := s.Clear(context.Background()); err != nil || !b.cleared {
		t.Errorf("clear not forwarded: %v", err)
	}
}

func TestEntryFieldsRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e := &Entry{
		ID: "id-1", Content: "c", Type: TypeTool, Timestamp: now, LastAccessed: now,
		Importance: 0.25, Tags: []string{"x", "y"}, Embedding: []float32{0.5, 1},
		RelatedIDs: []string{"r"}, AccessCount: 3, Metadata: map[string]string{"k": "v"},
	}
	got := entryFromFields(entryFields(e))
	if got.Importance != 0.25 || got.AccessCount != 3 || len(got.Tags) != 2 ||
		len(got.Embedding) != 2 || !got.Timestamp.Equal(now) || got.Metadata["k"] != "v" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestConcurrentAddQueryAndMaintenance(t *testing.T) {
	s := NewStore(Config{MaxShortTermItems: 20, IndexStrategy: IndexKeyword}, nil, zap.NewNop())
	ctx := context.Background()

	stop := make(chan struct{})
	maintained := make(chan struct{})
	go func() {
		defer close(maintained)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.RunMaintenance(ctx)
			s.GetMetrics()
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				content := fmt.Sprintf("worker %d finished step %d of the report", g, i)
				if _, err := s.Add(ctx, Entry{Type: TypeResult, Content: content}); err != nil {
					t.Errorf("add: %v", err)
					return
				}
				if _, err := s.Query(ctx, "report step", QueryOptions{ExpandContext: true}); err != nil {
					t.Errorf("query: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(stop)
	<-maintained

	m := s.GetMetrics()
	if total := m.ShortTermCount + m.LongTermCount; total == 0 || total > 400 {
		t.Errorf("entries = %d, want between 1 and 400", total)
	}
}
