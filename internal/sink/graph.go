package sink

import (
	"fmt"
	"os"
	"sync"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// Graph collects the distinct observed edges and writes them as a DOT call
// graph when closed. Nodes are named image+offset, or by raw address when
// the image is unknown.
type Graph struct {
	mu     sync.Mutex
	path   string
	title  string
	g      lattice.Graph
	nodes  map[string]bool
	edges  map[[2]string]bool
	closed bool
}

// NewGraph returns a graph sink writing to path on Close. An empty path
// keeps the graph in memory only.
func NewGraph(path, title string) *Graph {
	return &Graph{
		path:  path,
		title: title,
		nodes: make(map[string]bool),
		edges: make(map[[2]string]bool),
	}
}

func (g *Graph) Write(r Row) error {
	caller, callee := r.Callsite.String(), r.Dest.String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	for _, n := range []string{caller, callee} {
		if !g.nodes[n] {
			g.nodes[n] = true
			g.g.Nodes = append(g.g.Nodes, n)
		}
	}
	if k := [2]string{caller, callee}; !g.edges[k] {
		g.edges[k] = true
		g.g.Edges = append(g.g.Edges, lattice.Edge{Caller: caller, Callee: callee})
	}
	return nil
}

// Graph returns a copy of the graph collected so far.
func (g *Graph) Graph() *lattice.Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := &lattice.Graph{
		Nodes: append([]string(nil), g.g.Nodes...),
		Edges: append([]lattice.Edge(nil), g.g.Edges...),
	}
	out.Dedup()
	return out
}

// DOT renders the graph.
func (g *Graph) DOT() string {
	return render.DOT(g.Graph(), g.title)
}

// Close writes the DOT file.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.path == "" {
		return nil
	}
	if err := os.WriteFile(g.path, []byte(g.DOT()), 0644); err != nil {
		return fmt.Errorf("sink: write graph: %w", err)
	}
	return nil
}
