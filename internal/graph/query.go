package graph

import (
	"fmt"
	"slices"
)

// DefaultMaxDepth bounds traversals when the caller gives no depth.
const DefaultMaxDepth = 3

// Query selects part of the graph.
//
// With StartNodeID set, nodes are collected by breadth-first traversal from
// the start node, following edges in either direction up to MaxDepth hops.
// EdgeTypes restricts which edges may be followed; NodeTypes filters the
// returned nodes but does not stop traversal through other node types.
// Without a start node every node and edge matching the filters is returned.
type Query struct {
	StartNodeID string
	NodeTypes   []NodeType
	EdgeTypes   []EdgeType
	MaxDepth    int
}

// QueryResult holds the nodes and edges selected by a Query.
type QueryResult struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Query runs q against the store.
func (s *Store) Query(q Query) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.StartNodeID == "" {
		return s.filterAll(q), nil
	}
	if _, ok := s.nodes[q.StartNodeID]; !ok {
		return QueryResult{}, fmt.Errorf("query start %q: %w", q.StartNodeID, ErrNodeNotFound)
	}

	depth := q.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}

	visited := map[string]bool{q.StartNodeID: true}
	order := []string{q.StartNodeID}
	seenEdge := make(map[string]bool)
	var edgeIDs []string

	frontier := []string{q.StartNodeID}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for _, eid := range s.neighbourEdges(id) {
				e := s.edges[eid]
				if !edgeTypeAllowed(q.EdgeTypes, e.Type) {
					continue
				}
				if !seenEdge[eid] {
					seenEdge[eid] = true
					edgeIDs = append(edgeIDs, eid)
				}
				other := e.Target
				if other == id {
					other = e.Source
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				order = append(order, other)
				next = append(next, other)
			}
		}
		frontier = next
	}

	res := QueryResult{}
	for _, id := range order {
		n := s.nodes[id]
		if nodeTypeAllowed(q.NodeTypes, n.Type) {
			res.Nodes = append(res.Nodes, cloneNode(*n))
		}
	}
	for _, eid := range edgeIDs {
		res.Edges = append(res.Edges, cloneEdge(*s.edges[eid]))
	}
	return res, nil
}

func (s *Store) filterAll(q Query) QueryResult {
	res := QueryResult{}
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if nodeTypeAllowed(q.NodeTypes, n.Type) {
			res.Nodes = append(res.Nodes, cloneNode(*n))
		}
	}
	for _, id := range s.edgeOrder {
		e := s.edges[id]
		if edgeTypeAllowed(q.EdgeTypes, e.Type) {
			res.Edges = append(res.Edges, cloneEdge(*e))
		}
	}
	return res
}

// FindPaths returns every simple directed path from source to target that
// uses at most maxDepth edges. Each path lists node IDs from source to
// target. The search is exhaustive, so keep maxDepth small on dense graphs.
func (s *Store) FindPaths(source, target string, maxDepth int) ([][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[source]; !ok {
		return nil, fmt.Errorf("path source %q: %w", source, ErrNodeNotFound)
	}
	if _, ok := s.nodes[target]; !ok {
		return nil, fmt.Errorf("path target %q: %w", target, ErrNodeNotFound)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var paths [][]string
	visited := map[string]bool{source: true}
	path := []string{source}

	var walk func(id string)
	walk = func(id string) {
		if id == target {
			paths = append(paths, slices.Clone(path))
			return
		}
		if len(path)-1 >= maxDepth {
			return
		}
		for _, eid := range s.out[id] {
			next := s.edges[eid].Target
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			walk(next)
			path = path[:len(path)-1]
			visited[next] = false
		}
	}
	walk(source)

	return paths, nil
}

// neighbourEdges lists outgoing then incoming edge IDs of id. Must be called with mu held.
func (s *Store) neighbourEdges(id string) []string {
	out, in := s.out[id], s.in[id]
	ids := make([]string, 0, len(out)+len(in))
	ids = append(ids, out...)
	return append(ids, in...)
}

func nodeTypeAllowed(types []NodeType, t NodeType) bool {
	return len(types) == 0 || slices.Contains(types, t)
}

func edgeTypeAllowed(types []EdgeType, t EdgeType) bool {
	return len(types) == 0 || slices.Contains(types, t)
}
