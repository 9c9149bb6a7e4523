package graph

import (
	"slices"
)

// Centrality scores one node.
type Centrality struct {
	Degree int `json:"degree"`
	// Betweenness counts how many node pairs have this node as an
	// intermediate hop on the single shortest path found by BFS. Ties
	// between equal-length paths are broken by edge insertion order, so
	// the value approximates, rather than equals, textbook betweenness.
	Betweenness float64 `json:"betweenness"`
}

// CalculateCentrality scores every node. Edges are treated as undirected.
// Cost is O(V·(V+E)).
func (s *Store) CalculateCentrality() map[string]Centrality {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[string]Centrality, len(s.nodes))
	for _, id := range s.nodeOrder {
		scores[id] = Centrality{Degree: s.degree(id)}
	}

	index := make(map[string]int, len(s.nodeOrder))
	for i, id := range s.nodeOrder {
		index[id] = i
	}

	between := make(map[string]float64, len(s.nodes))
	for _, src := range s.nodeOrder {
		parent := s.bfsParents(src)
		for dst := range parent {
			// Each unordered pair once.
			if index[dst] <= index[src] {
				continue
			}
			for hop := parent[dst]; hop != src; hop = parent[hop] {
				between[hop]++
			}
		}
	}

	for id, b := range between {
		c := scores[id]
		c.Betweenness = b
		scores[id] = c
	}
	return scores
}

// FindCommunities returns the connected components of the graph, ignoring
// edge direction. Members are sorted; communities are ordered by the
// insertion position of their earliest node.
func (s *Store) FindCommunities() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.nodes))
	var communities [][]string

	for _, start := range s.nodeOrder {
		if seen[start] {
			continue
		}
		seen[start] = true

		var members []string
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, id)

			for _, eid := range s.neighbourEdges(id) {
				e := s.edges[eid]
				other := e.Target
				if other == id {
					other = e.Source
				}
				if !seen[other] {
					seen[other] = true
					stack = append(stack, other)
				}
			}
		}

		slices.Sort(members)
		communities = append(communities, members)
	}
	return communities
}

// CommunityOf returns the sorted members of the component containing id,
// or nil when id is unknown.
func (s *Store) CommunityOf(id string) []string {
	for _, c := range s.FindCommunities() {
		if _, ok := slices.BinarySearch(c, id); ok {
			return c
		}
	}
	return nil
}

// degree must be called with mu held. A self-loop counts once.
func (s *Store) degree(id string) int {
	d := len(s.out[id])
	for _, eid := range s.in[id] {
		if s.edges[eid].Source != id {
			d++
		}
	}
	return d
}

// bfsParents runs an undirected BFS from src and returns, for every node
// reached other than src, the node it was first discovered from. Must be
// called with mu held.
func (s *Store) bfsParents(src string) map[string]string {
	parent := make(map[string]string)
	visited := map[string]bool{src: true}
	queue := []string{src}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, eid := range s.neighbourEdges(id) {
			e := s.edges[eid]
			other := e.Target
			if other == id {
				other = e.Source
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			parent[other] = id
			queue = append(queue, other)
		}
	}
	return parent
}
