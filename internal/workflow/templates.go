package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTemplate is returned when a template name is not registered.
	ErrUnknownTemplate = errors.New("unknown workflow template")
	// ErrDuplicateTemplate is returned when a template name is registered twice.
	ErrDuplicateTemplate = errors.New("workflow template already registered")
)

// templateFile is the on-disk shape: either a list under "workflows" or a
// single graph at the top level.
type templateFile struct {
	Workflows []*Graph `json:"workflows" yaml:"workflows"`
}

// Templates is a registry of validated graphs by name.
type Templates struct {
	graphs map[string]*Graph
	events *event.Bus
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewTemplates creates an empty registry.
func NewTemplates(logger *zap.Logger) *Templates {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Templates{graphs: make(map[string]*Graph), logger: logger}
}

// SetEvents attaches an event bus for registration notices.
func (t *Templates) SetEvents(bus *event.Bus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = bus
}

// Register validates and stores g.
func (t *Templates) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	if _, ok := t.graphs[g.Name]; ok {
		t.mu.Unlock()
		return fmt.Errorf("register %s: %w", g.Name, ErrDuplicateTemplate)
	}
	t.graphs[g.Name] = g
	bus := t.events
	t.mu.Unlock()

	t.logger.Info("registered workflow template", zap.String("name", g.Name), zap.Int("nodes", len(g.Nodes)))
	bus.Publish(event.Event{
		Type:   event.TemplateRegistered,
		Source: g.Name,
		Data:   map[string]interface{}{"name": g.Name, "nodes": len(g.Nodes)},
	})
	return nil
}

// Get returns a template by name.
func (t *Templates) Get(name string) (*Graph, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return g, nil
}

// Names lists registered templates in sorted order.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.graphs))
	for n := range t.graphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFile registers every graph in a YAML or JSON file and returns how
// many were added.
func (t *Templates) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read workflow file: %w", err)
	}
	graphs, err := ParseGraphs(data, filepath.Ext(path))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, g := range graphs {
		if err := t.Register(g); err != nil {
			return i, err
		}
	}
	return len(graphs), nil
}

// LoadDir loads every .yaml, .yml and .json file in dir.
func (t *Templates) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		n, err := t.LoadFile(filepath.Join(dir, e.Name()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ParseGraphs decodes one or more graphs. ext selects JSON for ".json" and
// YAML otherwise.
func ParseGraphs(data []byte, ext string) ([]*Graph, error) {
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(ext, ".json") {
		unmarshal = json.Unmarshal
	}

	var file templateFile
	if err := unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Workflows) > 0 {
		return file.Workflows, nil
	}
	var single Graph
	if err := unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.Name == "" && len(single.Nodes) == 0 {
		return nil, errors.New("no workflows found")
	}
	return []*Graph{&single}, nil
}
