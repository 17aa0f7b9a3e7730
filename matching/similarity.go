package matching

import (
	"strings"

	"github.com/casework/client-dedup/core"
	"github.com/pmezard/go-difflib/difflib"
)

// Fixed scores for the non-fuzzy branches of name similarity.
const (
	exactNameScore       = 1.0
	containmentNameScore = 0.8
)

// Confidence bucket lower bounds. Every score in [0, 1] lands in exactly one
// bucket and higher scores never land in a lower bucket.
const (
	highConfidence   = 0.9
	mediumConfidence = 0.7
	lowConfidence    = 0.5
)

// NormalizeName lower-cases and collapses whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Scorer computes name similarity with nickname awareness.
type Scorer struct {
	nicknames *Nicknames
}

// NewScorer builds a scorer. A nil table uses the built-in nicknames.
func NewScorer(nicknames *Nicknames) *Scorer {
	if nicknames == nil {
		nicknames = DefaultNicknames()
	}
	return &Scorer{nicknames: nicknames}
}

var defaultScorer = NewScorer(nil)

// NameSimilarity scores two names with the built-in nickname table.
func NameSimilarity(a, b string) float64 {
	return defaultScorer.Similarity(a, b)
}

// Similarity scores two full names in [0, 1]:
//
//	equal after normalization      1.0
//	one contains the other         0.8
//	otherwise                      max(sequence ratio, token Jaccard, nickname)
func (s *Scorer) Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return exactNameScore
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return containmentNameScore
	}

	score := sequenceRatio(na, nb)
	if j := tokenJaccard(na, nb); j > score {
		score = j
	}
	if n := s.nicknameScore(na, nb); n > score {
		score = n
	}
	return score
}

// sequenceRatio is the character-level matching-blocks ratio 2*M/T.
func sequenceRatio(a, b string) float64 {
	return difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, "")).Ratio()
}

// tokenJaccard is shared words over the union of words.
func tokenJaccard(a, b string) float64 {
	ta, tb := toSet(strings.Fields(a)), toSet(strings.Fields(b))
	shared := 0
	for w := range ta {
		if tb[w] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// nicknameScore compares first tokens through the nickname table when the
// rest of both names agree.
func (s *Scorer) nicknameScore(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) != len(tb) || strings.Join(ta[1:], " ") != strings.Join(tb[1:], " ") {
		return 0
	}
	return s.nicknames.Related(ta[0], tb[0])
}

// ConfidenceFor buckets a score.
func ConfidenceFor(score float64) core.Confidence {
	switch {
	case score >= highConfidence:
		return core.ConfidenceHigh
	case score >= mediumConfidence:
		return core.ConfidenceMedium
	case score >= lowConfidence:
		return core.ConfidenceLow
	default:
		return core.ConfidenceVeryLow
	}
}

func toSet(words []string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}
