package scan

import (
	"sort"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/matching"
	"go.uber.org/zap"
)

// candidate is one pair proposed by a pass, already ordered so that
// primary is the client that survives a merge.
type candidate struct {
	primary   core.ClientRecord
	duplicate core.ClientRecord
	matchType core.MatchType
	score     float64
}

// earlier reports whether a should survive over b: earliest created wins,
// lower id breaks ties.
func earlier(a, b core.ClientRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newCandidate(a, b core.ClientRecord, t core.MatchType, score float64) candidate {
	if earlier(b, a) {
		a, b = b, a
	}
	return candidate{primary: a, duplicate: b, matchType: t, score: score}
}

// collector gathers candidates across passes, keeping the first (strongest)
// proposal for each unordered pair.
type collector struct {
	seen map[[2]core.ClientID]bool
	out  []candidate
}

func (c *collector) add(cand candidate) {
	k := core.PairKey(cand.primary.ID, cand.duplicate.ID)
	if c.seen[k] {
		return
	}
	c.seen[k] = true
	c.out = append(c.out, cand)
}

// fromGroups pairs each group member with the group's earliest client.
func (c *collector) fromGroups(groups [][]core.ClientRecord, score func(a, b core.ClientRecord) (core.MatchType, float64)) {
	for _, g := range groups {
		first := 0
		for i := range g {
			if earlier(g[i], g[first]) {
				first = i
			}
		}
		for i := range g {
			if i == first {
				continue
			}
			t, s := score(g[first], g[i])
			c.add(newCandidate(g[first], g[i], t, s))
		}
	}
}

// candidates runs every pass in priority order.
func (o *Orchestrator) candidates(idx *matching.Index) []candidate {
	c := &collector{seen: make(map[[2]core.ClientID]bool)}

	c.fromGroups(idx.SourceKeyGroups(), func(_, _ core.ClientRecord) (core.MatchType, float64) {
		return core.MatchSourceClientID, matching.EmailScore
	})
	c.fromGroups(idx.EmailGroups(), func(a, b core.ClientRecord) (core.MatchType, float64) {
		if a.Phone != "" && a.Phone == b.Phone {
			return core.MatchEmailPhone, matching.ScanEmailScore
		}
		return core.MatchEmail, matching.ScanEmailScore
	})
	c.fromGroups(idx.PhoneGroups(), func(_, _ core.ClientRecord) (core.MatchType, float64) {
		return core.MatchPhone, matching.PhoneScore
	})

	var nameDOB [][]core.ClientRecord
	for _, g := range idx.NameDOBGroups() {
		if g[0].DOB != nil && !g[0].DOB.IsPlaceholder() {
			nameDOB = append(nameDOB, g)
		}
	}
	c.fromGroups(nameDOB, func(_, _ core.ClientRecord) (core.MatchType, float64) {
		return core.MatchNameDOB, matching.NameDOBScore
	})

	o.fuzzyPass(idx.Clients(), c)
	return c.out
}

// fuzzyPass compares names within last-name-initial buckets. Each bucket is
// capped at BucketSample clients, oldest first, so the pass stays bounded on
// large populations.
func (o *Orchestrator) fuzzyPass(clients []core.ClientRecord, c *collector) {
	buckets := make(map[rune][]core.ClientRecord)
	var keys []rune
	for _, cl := range clients {
		last := matching.NormalizeName(cl.LastName)
		if last == "" || cl.FirstName == "" {
			continue
		}
		k := []rune(last)[0]
		if _, ok := buckets[k]; !ok {
			keys = append(keys, k)
		}
		buckets[k] = append(buckets[k], cl)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		bucket := buckets[k]
		sort.SliceStable(bucket, func(i, j int) bool { return earlier(bucket[i], bucket[j]) })
		if len(bucket) > o.cfg.BucketSample {
			o.log.Debug("fuzzy bucket sampled",
				zap.String("bucket", string(k)),
				zap.Int("size", len(bucket)),
				zap.Int("sample", o.cfg.BucketSample),
			)
			bucket = bucket[:o.cfg.BucketSample]
		}
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				a, b := bucket[i], bucket[j]
				if c.seen[core.PairKey(a.ID, b.ID)] {
					continue
				}
				if t, s, ok := o.fuzzyScore(a, b); ok {
					c.add(newCandidate(a, b, t, s))
				}
			}
		}
	}
}

// fuzzyScore compares two names. A shared date of birth lowers the bar to
// the DOB tier's threshold; different dates of birth rule the pair out.
func (o *Orchestrator) fuzzyScore(a, b core.ClientRecord) (core.MatchType, float64, bool) {
	aDOB := a.DOB != nil && !a.DOB.IsPlaceholder()
	bDOB := b.DOB != nil && !b.DOB.IsPlaceholder()
	if aDOB && bDOB && !a.DOB.Equal(*b.DOB) {
		return core.MatchNone, 0, false
	}

	score := o.matcher.Similarity(a.FullName(), b.FullName())
	if aDOB && bDOB {
		return core.MatchDOBNameSimilarity, score, score >= matching.DOBNameMinScore
	}
	return core.MatchFuzzyName, score, score >= o.cfg.FuzzyMinScore
}
