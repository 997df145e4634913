// Package workflow runs predefined graphs of worker steps as an alternative
// to the swarm router's dynamic routing.
package workflow

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidGraph wraps every structural validation failure.
	ErrInvalidGraph = errors.New("invalid workflow graph")
	// ErrCycle is returned when the graph is not acyclic.
	ErrCycle = errors.New("workflow graph contains a cycle")
)

// NodeType is the kind of a graph node.
type NodeType string

const (
	// NodeTask runs a worker on the node's prompt.
	NodeTask NodeType = "task"
	// NodeDecision asks a language model to pick one outgoing branch.
	NodeDecision NodeType = "decision"
	// NodeMerge joins the outputs of its executed predecessors.
	NodeMerge NodeType = "merge"
	// NodeEnd finishes the walk.
	NodeEnd NodeType = "end"
)

// Node is one named step.
type Node struct {
	ID       string            `json:"id" yaml:"id"`
	Type     NodeType          `json:"type" yaml:"type"`
	Agent    string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Prompt   string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Next     string            `json:"next,omitempty" yaml:"next,omitempty"`
	Branches map[string]string `json:"branches,omitempty" yaml:"branches,omitempty"` // option -> node id
	Default  string            `json:"default,omitempty" yaml:"default,omitempty"`   // option taken when none parses
}

// Graph is a directed acyclic workflow.
type Graph struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Start       string `json:"start" yaml:"start"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`

	index map[string]*Node
}

// Node returns a node by id. The graph must have been validated.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// clone copies the graph's nodes so it can be validated and walked without
// touching a graph shared by other runs. Branch maps are shared read-only.
func (g *Graph) clone() *Graph {
	c := *g
	c.Nodes = append([]Node(nil), g.Nodes...)
	c.index = nil
	return &c
}

// options lists a decision node's branch names, default first and the
// rest sorted.
func (n *Node) options() []string {
	rest := make([]string, 0, len(n.Branches))
	for opt := range n.Branches {
		if opt != n.Default {
			rest = append(rest, opt)
		}
	}
	sort.Strings(rest)
	if n.Default == "" {
		return rest
	}
	return append([]string{n.Default}, rest...)
}

// successors returns every node id this node can move to.
func (n *Node) successors() []string {
	if n.Type == NodeDecision {
		out := make([]string, 0, len(n.Branches))
		for _, opt := range n.options() {
			out = append(out, n.Branches[opt])
		}
		return out
	}
	if n.Next == "" {
		return nil
	}
	return []string{n.Next}
}

// Validate checks node references and shape, and that the graph is acyclic
// using Kahn's algorithm. It builds the node index used by the executor.
func (g *Graph) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidGraph)
	}
	g.index = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidGraph, i)
		}
		if _, dup := g.index[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidGraph, n.ID)
		}
		g.index[n.ID] = n
	}
	if _, ok := g.index[g.Start]; !ok {
		return fmt.Errorf("%w: start node %q not found", ErrInvalidGraph, g.Start)
	}

	ends := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Type {
		case NodeTask:
			if n.Agent == "" || n.Prompt == "" {
				return fmt.Errorf("%w: task node %q needs an agent and a prompt", ErrInvalidGraph, n.ID)
			}
			if n.Next == "" {
				return fmt.Errorf("%w: task node %q has no next node", ErrInvalidGraph, n.ID)
			}
		case NodeMerge:
			if n.Next == "" {
				return fmt.Errorf("%w: merge node %q has no next node", ErrInvalidGraph, n.ID)
			}
		case NodeDecision:
			if len(n.Branches) == 0 {
				return fmt.Errorf("%w: decision node %q has no branches", ErrInvalidGraph, n.ID)
			}
			if n.Default != "" {
				if _, ok := n.Branches[n.Default]; !ok {
					return fmt.Errorf("%w: decision node %q default %q is not a branch", ErrInvalidGraph, n.ID, n.Default)
				}
			}
		case NodeEnd:
			if n.Next != "" || len(n.Branches) > 0 {
				return fmt.Errorf("%w: end node %q has successors", ErrInvalidGraph, n.ID)
			}
			ends++
		default:
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidGraph, n.ID, n.Type)
		}
		for _, to := range n.successors() {
			if _, ok := g.index[to]; !ok {
				return fmt.Errorf("%w: node %q points to unknown node %q", ErrInvalidGraph, n.ID, to)
			}
		}
	}
	if ends == 0 {
		return fmt.Errorf("%w: no end node", ErrInvalidGraph)
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, to := range dedupe(n.successors()) {
			inDegree[to]++
		}
	}
	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, to := range dedupe(g.index[id].successors()) {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if processed != len(g.Nodes) {
		return fmt.Errorf("validate %s: %w", g.Name, ErrCycle)
	}
	return nil
}

// predecessors returns the ids of nodes with an edge into id.
func (g *Graph) predecessors(id string) map[string]bool {
	out := make(map[string]bool)
	for i := range g.Nodes {
		for _, to := range g.Nodes[i].successors() {
			if to == id {
				out[g.Nodes[i].ID] = true
			}
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
