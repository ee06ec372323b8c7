package core

import (
	"fmt"
	"regexp"
	"sort"
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z0-9_-]+)*$`)

// ValidateDefinition checks a pipeline definition before anything is
// persisted: node identifiers must be unique and well-formed, every declared
// dependency must resolve to a node in the same definition, and the
// dependency graph must be acyclic. Acyclicity is checked with Kahn's
// algorithm; on failure the offending cycle's node sequence is reported in
// the error details.
func ValidateDefinition(def *PipelineDefinition) *Error {
	if def == nil {
		return NewValidationError("Pipeline definition is required.", nil)
	}
	if def.Name == "" {
		return NewValidationError("Pipeline name is required.", nil)
	}
	if !identRe.MatchString(def.Name) {
		return NewValidationError(
			fmt.Sprintf("Pipeline name '%s' is not a valid identifier.", def.Name),
			map[string]any{"name": def.Name},
		)
	}
	if len(def.Nodes) == 0 {
		return NewValidationError("Pipeline must contain at least one node.", nil)
	}

	nodes := make(map[string]*JobNode, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return NewValidationError("Every node requires an identifier.", nil)
		}
		if !identRe.MatchString(n.ID) {
			return NewValidationError(
				fmt.Sprintf("Node identifier '%s' is not valid.", n.ID),
				map[string]any{"node": n.ID},
			)
		}
		if _, dup := nodes[n.ID]; dup {
			return NewValidationError(
				fmt.Sprintf("Duplicate node identifier '%s'.", n.ID),
				map[string]any{"node": n.ID},
			)
		}
		if len(n.Task) == 0 {
			return NewValidationError(
				fmt.Sprintf("Node '%s' has no task specification.", n.ID),
				map[string]any{"node": n.ID},
			)
		}
		nodes[n.ID] = n
	}

	for _, n := range def.Nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return NewValidationError(
					fmt.Sprintf("Node '%s' depends on unknown node '%s'.", n.ID, dep),
					map[string]any{"node": n.ID, "dependency": dep},
				)
			}
			if dep == n.ID {
				return NewValidationError(
					fmt.Sprintf("Node '%s' depends on itself.", n.ID),
					map[string]any{"node": n.ID, "cycle": []string{n.ID, n.ID}},
				)
			}
			if seen[dep] {
				return NewValidationError(
					fmt.Sprintf("Node '%s' declares dependency '%s' more than once.", n.ID, dep),
					map[string]any{"node": n.ID, "dependency": dep},
				)
			}
			seen[dep] = true
		}
	}

	if cycle := findCycle(def.Nodes); cycle != nil {
		return NewValidationError(
			fmt.Sprintf("Pipeline contains a dependency cycle: %v.", cycle),
			map[string]any{"cycle": cycle},
		)
	}

	return nil
}

// RootNodes returns the identifiers of nodes with no dependencies, sorted.
// These are the instances a Trigger enqueues immediately.
func RootNodes(def *PipelineDefinition) []string {
	var roots []string
	for _, n := range def.Nodes {
		if len(n.DependsOn) == 0 {
			roots = append(roots, n.ID)
		}
	}
	sort.Strings(roots)
	return roots
}

// findCycle runs Kahn's algorithm over the dependency graph. It returns nil
// when the graph is acyclic; otherwise it walks the unresolved remainder to
// extract one concrete cycle as a node sequence ending where it starts.
func findCycle(nodes []JobNode) []string {
	inDegree := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			inDegree[n.ID]++
			children[dep] = append(children[dep], n.ID)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited == len(nodes) {
		return nil
	}

	// Every remaining node sits on or downstream of a cycle. Walk dependency
	// edges within the remainder until a node repeats.
	remaining := make(map[string][]string)
	for _, n := range nodes {
		if inDegree[n.ID] > 0 {
			for _, dep := range n.DependsOn {
				if inDegree[dep] > 0 {
					remaining[n.ID] = append(remaining[n.ID], dep)
				}
			}
		}
	}

	var start string
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start = ids[0]

	seen := make(map[string]int)
	var path []string
	cur := start
	for {
		if idx, ok := seen[cur]; ok {
			cycle := append([]string{}, path[idx:]...)
			cycle = append(cycle, cur)
			return cycle
		}
		seen[cur] = len(path)
		path = append(path, cur)
		deps := remaining[cur]
		sort.Strings(deps)
		cur = deps[0]
	}
}
