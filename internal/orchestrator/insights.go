package orchestrator

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/task"
)

// neutralScore ranks agents with no history for a task type.
const neutralScore = 0.5

// AgentScore is an agent's track record for one task type.
type AgentScore struct {
	AgentID        string  `json:"agentId"`
	Score          float64 `json:"score"`
	Assignments    int     `json:"assignments"`
	SuccessRate    float64 `json:"successRate"`
	MeanConfidence float64 `json:"meanConfidence"`
}

// Bottleneck is a node many coordination paths run through.
type Bottleneck struct {
	ID          string         `json:"id"`
	Type        graph.NodeType `json:"type"`
	Betweenness float64        `json:"betweenness"`
	Degree      int            `json:"degree"`
}

// Collaborator is a recommended partner for an agent.
type Collaborator struct {
	AgentID string `json:"agentId"`
	Weight  int    `json:"weight"` // Tasks run together so far
	Degree  int    `json:"degree"`
}

// RankAgents scores every agent capable of taskType: success rate weighs
// 0.7 and mean confidence 0.3 over its past assignments of that type.
// Agents without history score 0.5. Ties go to fewer assignments, then ID.
func (o *GraphOrchestrator) RankAgents(taskType string) []AgentScore {
	snap := o.graph.VisualizationData()

	var scores []AgentScore
	byAgent := make(map[string]int)
	for _, n := range snap.Nodes {
		if n.Type != graph.NodeAgent || !hasCapability(n, taskType) {
			continue
		}
		byAgent[n.ID] = len(scores)
		scores = append(scores, AgentScore{AgentID: n.ID})
	}

	for _, e := range snap.Edges {
		i, ok := byAgent[e.Source]
		if !ok || e.Type != graph.EdgeAssignedTo || e.Properties[PropTaskType] != taskType {
			continue
		}
		s := &scores[i]
		s.Assignments++
		if won, _ := e.Properties[PropSuccess].(bool); won {
			s.SuccessRate++
		}
		c, _ := e.Properties[PropConfidence].(float64)
		s.MeanConfidence += c
	}

	for i := range scores {
		s := &scores[i]
		if s.Assignments == 0 {
			s.Score = neutralScore
			continue
		}
		n := float64(s.Assignments)
		s.SuccessRate /= n
		s.MeanConfidence /= n
		s.Score = s.SuccessRate*0.7 + s.MeanConfidence*0.3
	}

	slices.SortStableFunc(scores, func(a, b AgentScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Assignments, b.Assignments); c != 0 {
			return c
		}
		return cmp.Compare(a.AgentID, b.AgentID)
	})
	return scores
}

// FindOptimalAgent returns the best ranked agent for taskType.
func (o *GraphOrchestrator) FindOptimalAgent(taskType string) (string, error) {
	ranked := o.RankAgents(taskType)
	if len(ranked) == 0 {
		return "", &task.NoAgentsError{TaskType: taskType}
	}
	return ranked[0].AgentID, nil
}

// Bottlenecks returns up to limit nodes ordered by betweenness, then
// degree. limit <= 0 returns every node.
func (o *GraphOrchestrator) Bottlenecks(limit int) []Bottleneck {
	snap := o.graph.VisualizationData()
	scores := o.graph.CalculateCentrality()

	var out []Bottleneck
	for _, n := range snap.Nodes {
		c := scores[n.ID]
		out = append(out, Bottleneck{ID: n.ID, Type: n.Type, Betweenness: c.Betweenness, Degree: c.Degree})
	}
	slices.SortStableFunc(out, func(a, b Bottleneck) int {
		if c := cmp.Compare(b.Betweenness, a.Betweenness); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Degree, a.Degree); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecommendCollaborators suggests agents from agentID's community, strongest
// existing collaboration first, then most connected.
func (o *GraphOrchestrator) RecommendCollaborators(agentID string, limit int) ([]Collaborator, error) {
	n, err := o.graph.GetNode(agentID)
	if err != nil {
		return nil, err
	}
	if n.Type != graph.NodeAgent {
		return nil, fmt.Errorf("node %q is a %s, not an agent", agentID, n.Type)
	}

	weights := make(map[string]int)
	incident, err := o.graph.Incident(agentID)
	if err != nil {
		return nil, err
	}
	for _, e := range incident {
		if e.Type != graph.EdgeCollaboratesWith {
			continue
		}
		other := e.Target
		if other == agentID {
			other = e.Source
		}
		count, _ := e.Properties[PropCount].(int)
		weights[other] += count
	}

	scores := o.graph.CalculateCentrality()
	var out []Collaborator
	for _, id := range o.graph.CommunityOf(agentID) {
		if id == agentID {
			continue
		}
		peer, err := o.graph.GetNode(id)
		if err != nil || peer.Type != graph.NodeAgent {
			continue
		}
		out = append(out, Collaborator{AgentID: id, Weight: weights[id], Degree: scores[id].Degree})
	}
	slices.SortStableFunc(out, func(a, b Collaborator) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Degree, a.Degree); c != 0 {
			return c
		}
		return cmp.Compare(a.AgentID, b.AgentID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasCapability(n graph.Node, taskType string) bool {
	switch caps := n.Properties[PropCapabilities].(type) {
	case []string:
		return slices.Contains(caps, taskType)
	case []any:
		return slices.Contains(caps, any(taskType))
	}
	return false
}
