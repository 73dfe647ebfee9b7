package ingest

import "strings"

// sportRank orders category values by specificity. Anything not listed is
// a specific value.
var sportRank = map[string]int{
	"":        0,
	"all":     1,
	"generic": 2,
	"other":   2,
}

const specificRank = 3

func rankSport(v string) int {
	if r, ok := sportRank[strings.ToLower(v)]; ok {
		return r
	}
	return specificRank
}

// ReconcileSport merges an existing sport (or sub-sport) with a candidate
// from a later source. The more specific value wins; between two specific
// values the existing one is kept.
func ReconcileSport(existing, candidate string) string {
	if rankSport(candidate) > rankSport(existing) {
		return candidate
	}
	return existing
}
