package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// NodeType classifies a node.
type NodeType string

const (
	NodeAgent      NodeType = "agent"
	NodeDepartment NodeType = "department"
	NodeTask       NodeType = "task"
	NodeWorkflow   NodeType = "workflow"
)

// EdgeType classifies an edge.
type EdgeType string

const (
	EdgeMemberOf         EdgeType = "member_of"
	EdgeAssignedTo       EdgeType = "assigned_to"
	EdgeCollaboratesWith EdgeType = "collaborates_with"
	EdgeWorkflowStep     EdgeType = "workflow_step"
	EdgeDependsOn        EdgeType = "depends_on"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
)

// Properties is a free-form attribute bag. Updates merge one level deep.
type Properties map[string]any

// Node is a vertex of the coordination graph.
type Node struct {
	ID         string     `json:"id"`
	Type       NodeType   `json:"type"`
	Properties Properties `json:"properties,omitempty"`
}

// Edge is a directed, typed connection between two nodes.
type Edge struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Type       EdgeType   `json:"type"`
	Properties Properties `json:"properties,omitempty"`
}

// EdgeID is the identifier AddEdge assigns when an edge has none.
func EdgeID(source string, typ EdgeType, target string) string {
	return fmt.Sprintf("%s-%s-%s", source, typ, target)
}

// Snapshot is a full copy of the graph, ordered by insertion.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Store is an in-memory typed graph. A single RWMutex guards every
// operation; all returned values are copies.
type Store struct {
	mu sync.RWMutex

	nodes     map[string]*Node
	edges     map[string]*Edge
	nodeOrder []string
	edgeOrder []string

	out map[string][]string // node -> outgoing edge IDs
	in  map[string][]string // node -> incoming edge IDs
}

// NewStore returns an empty graph.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// AddNode inserts n, replacing any node with the same ID. Edges touching
// a replaced node are kept.
func (s *Store) AddNode(n Node) error {
	if n.ID == "" {
		return errors.New("node id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; !exists {
		s.nodeOrder = append(s.nodeOrder, n.ID)
	}
	cp := cloneNode(n)
	s.nodes[n.ID] = &cp
	return nil
}

// AddEdge inserts e, replacing any edge with the same ID. Both endpoints
// must exist. An empty ID is derived from source, type and target.
func (s *Store) AddEdge(e Edge) (string, error) {
	if e.ID == "" {
		e.ID = EdgeID(e.Source, e.Type, e.Target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[e.Source]; !ok {
		return "", fmt.Errorf("edge %q source %q: %w", e.ID, e.Source, ErrNodeNotFound)
	}
	if _, ok := s.nodes[e.Target]; !ok {
		return "", fmt.Errorf("edge %q target %q: %w", e.ID, e.Target, ErrNodeNotFound)
	}

	if old, exists := s.edges[e.ID]; exists {
		s.unlinkEdge(old)
	} else {
		s.edgeOrder = append(s.edgeOrder, e.ID)
	}

	cp := cloneEdge(e)
	s.edges[e.ID] = &cp
	s.out[e.Source] = append(s.out[e.Source], e.ID)
	s.in[e.Target] = append(s.in[e.Target], e.ID)
	return e.ID, nil
}

// GetNode returns a copy of the node.
func (s *Store) GetNode(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	return cloneNode(*n), nil
}

// HasNode reports whether id exists.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// GetEdge returns a copy of the edge.
func (s *Store) GetEdge(id string) (Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edges[id]
	if !ok {
		return Edge{}, fmt.Errorf("edge %q: %w", id, ErrEdgeNotFound)
	}
	return cloneEdge(*e), nil
}

// UpdateNode merges props into the node's properties.
func (s *Store) UpdateNode(id string, props Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	n.Properties = merge(n.Properties, props)
	return nil
}

// UpdateEdge merges props into the edge's properties.
func (s *Store) UpdateEdge(id string, props Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[id]
	if !ok {
		return fmt.Errorf("edge %q: %w", id, ErrEdgeNotFound)
	}
	e.Properties = merge(e.Properties, props)
	return nil
}

// RemoveNode deletes the node and every edge touching it.
func (s *Store) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}

	incident := append(slices.Clone(s.out[id]), s.in[id]...)
	for _, eid := range incident {
		if e, ok := s.edges[eid]; ok {
			s.deleteEdge(e)
		}
	}

	delete(s.nodes, id)
	delete(s.out, id)
	delete(s.in, id)
	s.nodeOrder = slices.DeleteFunc(s.nodeOrder, func(x string) bool { return x == id })
	return nil
}

// RemoveEdge deletes one edge.
func (s *Store) RemoveEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[id]
	if !ok {
		return fmt.Errorf("edge %q: %w", id, ErrEdgeNotFound)
	}
	s.deleteEdge(e)
	return nil
}

// Incident returns every edge touching id, outgoing first.
func (s *Store) Incident(id string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("node %q: %w", id, ErrNodeNotFound)
	}
	edges := make([]Edge, 0, len(s.out[id])+len(s.in[id]))
	for _, eid := range s.out[id] {
		edges = append(edges, cloneEdge(*s.edges[eid]))
	}
	for _, eid := range s.in[id] {
		if s.edges[eid].Source == id {
			continue // self-loop already listed
		}
		edges = append(edges, cloneEdge(*s.edges[eid]))
	}
	return edges, nil
}

// Len returns the node and edge counts.
func (s *Store) Len() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

// VisualizationData returns a full snapshot of the graph.
func (s *Store) VisualizationData() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Nodes: make([]Node, 0, len(s.nodeOrder)),
		Edges: make([]Edge, 0, len(s.edgeOrder)),
	}
	for _, id := range s.nodeOrder {
		snap.Nodes = append(snap.Nodes, cloneNode(*s.nodes[id]))
	}
	for _, id := range s.edgeOrder {
		snap.Edges = append(snap.Edges, cloneEdge(*s.edges[id]))
	}
	return snap
}

// deleteEdge must be called with mu held.
func (s *Store) deleteEdge(e *Edge) {
	s.unlinkEdge(e)
	delete(s.edges, e.ID)
	s.edgeOrder = slices.DeleteFunc(s.edgeOrder, func(x string) bool { return x == e.ID })
}

// unlinkEdge removes e from the adjacency lists. Must be called with mu held.
func (s *Store) unlinkEdge(e *Edge) {
	match := func(x string) bool { return x == e.ID }
	s.out[e.Source] = slices.DeleteFunc(s.out[e.Source], match)
	s.in[e.Target] = slices.DeleteFunc(s.in[e.Target], match)
}

func merge(dst, src Properties) Properties {
	if dst == nil {
		dst = make(Properties, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

func cloneNode(n Node) Node {
	n.Properties = maps.Clone(n.Properties)
	return n
}

func cloneEdge(e Edge) Edge {
	e.Properties = maps.Clone(e.Properties)
	return e
}
