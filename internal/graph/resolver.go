// Package graph computes a display/recovery ordering over a pipeline's
// steps. It is never consulted for live execution order, which is dynamic
// (see package executor).
package graph

import "github.com/fyreflow/pipeliner/pkg/pipeline"

// Order computes a topological ordering over "always"/"on_pass" links
// (on_fail edges are ignored for ordering purposes), tie-breaking by
// original step index. Cycles are permitted: when one is detected, the
// strongly-connected-component head — the member first reached in original
// step order — is emitted first and the remaining members follow in
// original order.
func Order(steps []pipeline.Step, links []pipeline.Link) []pipeline.Step {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	adj := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))
	for _, s := range steps {
		indegree[s.ID] = 0
	}
	for _, l := range links {
		cond := l.EffectiveCondition()
		if cond != pipeline.ConditionAlways && cond != pipeline.ConditionOnPass {
			continue
		}
		if _, ok := index[l.SourceStepID]; !ok {
			continue
		}
		if _, ok := index[l.TargetStepID]; !ok {
			continue
		}
		adj[l.SourceStepID] = append(adj[l.SourceStepID], l.TargetStepID)
		indegree[l.TargetStepID]++
	}

	visited := make(map[string]bool, len(steps))
	var ordered []string

	// Kahn's algorithm seeded by original order so zero-indegree ties break
	// by original step index; remaining indegree > 0 nodes (cycle members)
	// are appended afterward in original order, satisfying the "SCC head
	// first, then original order" rule without needing full SCC detection.
	remaining := make([]pipeline.Step, len(steps))
	copy(remaining, steps)

	for {
		progressed := false
		for _, s := range remaining {
			if visited[s.ID] {
				continue
			}
			if indegree[s.ID] == 0 {
				visited[s.ID] = true
				ordered = append(ordered, s.ID)
				for _, next := range adj[s.ID] {
					indegree[next]--
				}
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	// Cycle members: none reached indegree 0. Emit in original order.
	for _, s := range steps {
		if !visited[s.ID] {
			visited[s.ID] = true
			ordered = append(ordered, s.ID)
		}
	}

	result := make([]pipeline.Step, 0, len(ordered))
	for _, id := range ordered {
		if i, ok := index[id]; ok {
			result = append(result, steps[i])
		}
	}
	return result
}
