// Package rules implements the rule evaluation engine for CoachPipe.
//
// This file assembles the rule forest from flat records. Rules reference
// their parent by ID; the forest is resolved into child arrays once per load
// and traversed without back-pointers.
package rules

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Node is one rule with its resolved children, ordered for evaluation.
type Node struct {
	Rule     models.Rule
	Children []*Node
}

// Forest is the fully resolved rule forest of an intervention.
type Forest struct {
	Roots []*Node
}

// BuildForest resolves flat rule records into a forest. Siblings are ordered
// by ascending Order, ties broken by ID so evaluation order is deterministic.
// A rule whose parent is missing is treated as a root and logged; it is never
// silently dropped.
func BuildForest(rules []models.Rule) *Forest {
	nodes := make(map[string]*Node, len(rules))
	for _, r := range rules {
		nodes[r.ID] = &Node{Rule: r}
	}

	var roots []*Node
	for _, r := range rules {
		node := nodes[r.ID]
		if r.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[r.ParentID]
		if !ok || r.ParentID == r.ID {
			slog.Warn("BuildForest: rule parent not found, treating as root", "ruleID", r.ID, "parentID", r.ParentID)
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	roots = promoteUnreachable(rules, nodes, roots)

	sortSiblings(roots)
	for _, n := range nodes {
		sortSiblings(n.Children)
	}
	return &Forest{Roots: roots}
}

// promoteUnreachable breaks parent cycles. Nodes in a cycle hang off no root,
// so a plain traversal would never visit them; the lowest-ID member of each
// cycle is detached from its parent and promoted to a root, like an orphan.
func promoteUnreachable(rules []models.Rule, nodes map[string]*Node, roots []*Node) []*Node {
	reached := make(map[string]bool, len(nodes))
	var mark func(n *Node)
	mark = func(n *Node) {
		if reached[n.Rule.ID] {
			return
		}
		reached[n.Rule.ID] = true
		for _, c := range n.Children {
			mark(c)
		}
	}
	for _, r := range roots {
		mark(r)
	}

	for len(reached) < len(nodes) {
		var pick *Node
		for _, r := range rules {
			if !reached[r.ID] && (pick == nil || r.ID < pick.Rule.ID) {
				pick = nodes[r.ID]
			}
		}
		slog.Warn("BuildForest: rule unreachable from any root (parent cycle), promoting to root",
			"ruleID", pick.Rule.ID, "parentID", pick.Rule.ParentID)
		parent := nodes[pick.Rule.ParentID]
		for i, c := range parent.Children {
			if c == pick {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		roots = append(roots, pick)
		mark(pick)
	}
	return roots
}

func sortSiblings(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Rule.Order != nodes[j].Rule.Order {
			return nodes[i].Rule.Order < nodes[j].Rule.Order
		}
		return nodes[i].Rule.ID < nodes[j].Rule.ID
	})
}
