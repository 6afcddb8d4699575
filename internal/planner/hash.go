package planner

import (
	"hash/fnv"
	"sort"

	"kce/internal/catalog"
	"kce/internal/rdf"
)

// stateHash fingerprints the goal-relevant subgraph: every triple whose
// predicate the goal mentions, plus the operating context's own triples.
// Cheap by design; it only has to detect "nothing relevant changed".
func (p *Planner) stateHash(target *catalog.Target, opCtx string) (uint64, error) {
	props, _ := goalVocabulary(target.Query())

	var lines []string
	for prop := range props {
		pred := prop
		matches, err := p.graph.Match(nil, &pred, nil)
		if err != nil {
			return 0, err
		}
		for _, t := range matches {
			lines = append(lines, t.String())
		}
	}
	ctxMatches, err := p.graph.Match(&opCtx, nil, nil)
	if err != nil {
		return 0, err
	}
	for _, t := range ctxMatches {
		// Provenance stamps change on every step; they are not state.
		if t.Predicate == rdf.PredWasGeneratedBy || t.Predicate == rdf.PredUsed {
			continue
		}
		lines = append(lines, t.String())
	}

	sort.Strings(lines)
	h := fnv.New64a()
	prev := ""
	for _, l := range lines {
		if l == prev {
			continue
		}
		prev = l
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return h.Sum64(), nil
}
