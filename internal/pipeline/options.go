package pipeline

import (
	"fmt"

	"courtside.app/coach/internal/model"
)

// OptionNode is one selectable choice in an option graph. Nodes reference
// follow-up nodes by id, which keeps the graph flat and makes accidental
// cycles detectable.
type OptionNode struct {
	ID    string
	Label string
	Next  []string
}

// OptionGraph is a directed acyclic graph of option nodes with explicit
// roots. A bounded depth keeps branching conversations from growing without
// limit.
type OptionGraph struct {
	Nodes map[string]OptionNode
	Roots []string
}

// Validate checks that every referenced node exists, the graph is acyclic,
// and no path from a root exceeds maxDepth nodes.
func (g OptionGraph) Validate(maxDepth int) error {
	for id, node := range g.Nodes {
		if node.ID != id {
			return fmt.Errorf("node %q registered under key %q", node.ID, id)
		}
		for _, next := range node.Next {
			if _, ok := g.Nodes[next]; !ok {
				return fmt.Errorf("node %q references unknown node %q", id, next)
			}
		}
	}

	for _, root := range g.Roots {
		if _, ok := g.Nodes[root]; !ok {
			return fmt.Errorf("unknown root node %q", root)
		}
		visiting := make(map[string]bool, len(g.Nodes))
		if err := g.walk(root, 1, maxDepth, visiting); err != nil {
			return err
		}
	}
	return nil
}

func (g OptionGraph) walk(id string, depth, maxDepth int, visiting map[string]bool) error {
	if depth > maxDepth {
		return fmt.Errorf("option path through %q exceeds max depth %d", id, maxDepth)
	}
	if visiting[id] {
		return fmt.Errorf("cycle detected at node %q", id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	for _, next := range g.Nodes[id].Next {
		if err := g.walk(next, depth+1, maxDepth, visiting); err != nil {
			return err
		}
	}
	return nil
}

// Offers returns the root-level choices in declaration order, ready to embed
// in an analysis_options message.
func (g OptionGraph) Offers() []model.OptionOffer {
	offers := make([]model.OptionOffer, 0, len(g.Roots))
	for _, root := range g.Roots {
		node := g.Nodes[root]
		offers = append(offers, model.OptionOffer{ID: node.ID, Label: node.Label})
	}
	return offers
}

// DefaultAnalysisGraph is the standard quick-vs-pro choice presented when a
// submission qualifies for deeper analysis.
func DefaultAnalysisGraph() OptionGraph {
	return OptionGraph{
		Roots: []string{string(model.OptionQuick), string(model.OptionPro)},
		Nodes: map[string]OptionNode{
			string(model.OptionQuick): {
				ID:    string(model.OptionQuick),
				Label: "Quick analysis",
			},
			string(model.OptionPro): {
				ID:    string(model.OptionPro),
				Label: "Pro analysis",
			},
		},
	}
}
