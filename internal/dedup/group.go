package dedup

import (
	"sort"
	"time"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// Group is a connected component of matched duplicates.
type Group struct {
	PrimaryID  int64
	MemberIDs  []int64 // every member, primary included
	Confidence float64 // mean confidence of the component's matches
	Action     string
	Matches    []Match
}

// BuildGroups links matched pairs into connected components via BFS and
// elects each component's primary by PrimaryScore.
func BuildGroups(records []catalog.BookRecord, matches []Match, now time.Time) []Group {
	var adjacency = make(map[int64][]int64)
	var matchesByPair = make(map[[2]int64]Match)
	for _, m := range matches {
		adjacency[m.AID] = append(adjacency[m.AID], m.BID)
		adjacency[m.BID] = append(adjacency[m.BID], m.AID)
		matchesByPair[pairKey(m.AID, m.BID)] = m
	}

	var byID = make(map[int64]*catalog.BookRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	var visited = make(map[int64]bool)
	var groups []Group

	// Stable iteration order keeps group output deterministic.
	var ids = make([]int64, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, start := range ids {
		if visited[start] {
			continue
		}

		var component []int64
		var queue = []int64{start}
		visited[start] = true
		for len(queue) > 0 {
			var id = queue[0]
			queue = queue[1:]
			component = append(component, id)
			for _, next := range adjacency[id] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(component) < 2 {
			continue
		}
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })

		var groupMatches []Match
		var confidenceSum float64
		for i := 0; i < len(component); i++ {
			for j := i + 1; j < len(component); j++ {
				if m, ok := matchesByPair[pairKey(component[i], component[j])]; ok {
					groupMatches = append(groupMatches, m)
					confidenceSum += m.Confidence
				}
			}
		}
		var confidence float64
		if len(groupMatches) > 0 {
			confidence = confidenceSum / float64(len(groupMatches))
		}

		var primary = component[0]
		var bestScore = -1.0
		for _, id := range component {
			if rec, ok := byID[id]; ok {
				if s := PrimaryScore(rec, now); s > bestScore {
					primary, bestScore = id, s
				}
			}
		}

		groups = append(groups, Group{
			PrimaryID:  primary,
			MemberIDs:  component,
			Confidence: confidence,
			Action:     RecommendAction(confidence),
			Matches:    groupMatches,
		})
	}
	return groups
}
