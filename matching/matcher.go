/*
Package matching finds the existing client a candidate record most likely
duplicates.

PURPOSE:
  Uploads and population scans both need to answer "is this person already
  on file?". The answer comes from a strict priority cascade: the first
  tier that produces a hit wins, and lower tiers are never consulted.

CASCADE:
  1. email              exact, case-insensitive        1.0 (0.99 in scan mode)
     email_phone        same client also matches phone 1.0
  2. phone              exact digits                   0.96
  3. cross_source_name  similarity >= 0.9 against clients holding the same
                        client_id under another source
  4. name_dob           exact first, last and DOB      0.95
                        (1900-01-01 never counts)
  5. dob_name_similarity  same DOB and similarity >= 0.7, first 100 only

  When the candidate's source is canonical, tiers 3-5 ignore clients from
  the same source: those systems already dedupe internally.

NAME SIMILARITY:
  Equal after normalization is 1.0, containment is 0.8, otherwise the best
  of character sequence ratio, token Jaccard and nickname confidence.

USAGE:
  m := matching.New(matching.Config{CanonicalSources: []string{"SMIS"}}, logger)
  match := m.FindMatch(matching.CandidateFromRecord(rec, "SMIS"), population, matching.Options{})
  if match.Found() { ... }

SEE ALSO:
  - index.go: Population implementations
  - upload, scan: Callers
*/
package matching

import (
	"strings"

	"github.com/casework/client-dedup/core"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tier scores and thresholds.
const (
	EmailScore          = 1.0
	ScanEmailScore      = 0.99
	PhoneScore          = 0.96
	NameDOBScore        = 0.95
	CrossSourceMinScore = 0.9
	DOBNameMinScore     = 0.7
	MaxDOBCandidates    = 100
)

// Candidate is the record being matched.
type Candidate struct {
	ID        core.ClientID // zero for rows not yet persisted
	Source    string
	ClientID  string
	FirstName string
	LastName  string
	DOB       *core.Date
	Email     string
	Phone     string
}

// FullName joins first and last.
func (c Candidate) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// CandidateFromRecord builds a candidate from a normalized upload row.
func CandidateFromRecord(r core.CanonicalRecord, source string) Candidate {
	return Candidate{
		Source:    source,
		ClientID:  core.StringValue(r.ClientID),
		FirstName: core.StringValue(r.FirstName),
		LastName:  core.StringValue(r.LastName),
		DOB:       r.DOB,
		Email:     core.StringValue(r.Email),
		Phone:     core.StringValue(r.Phone),
	}
}

// CandidateFromClient builds a candidate from a stored client.
func CandidateFromClient(c core.ClientRecord) Candidate {
	return Candidate{
		ID:        c.ID,
		Source:    c.Source,
		ClientID:  c.ClientID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		DOB:       c.DOB,
		Email:     c.Email,
		Phone:     c.Phone,
	}
}

// Match is the outcome of FindMatch. A zero Match means no tier fired.
type Match struct {
	Client core.ClientRecord
	Type   core.MatchType
	Score  float64
}

// Found reports whether any tier fired.
func (m Match) Found() bool { return m.Type != core.MatchNone }

// Confidence buckets the score.
func (m Match) Confidence() core.Confidence { return ConfidenceFor(m.Score) }

// DecimalScore returns the score rounded to four places for persistence.
func (m Match) DecimalScore() decimal.Decimal { return ScoreDecimal(m.Score) }

// ScoreDecimal rounds a float score to four places.
func ScoreDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(4)
}

// Options tune one FindMatch call.
type Options struct {
	// ScanMode lowers the email score so scan flags sort below upload flags.
	ScanMode bool
}

// Config holds policy shared by every call.
type Config struct {
	// CanonicalSources dedupe internally; name tiers skip same-source hits.
	CanonicalSources []string
	Nicknames        *Nicknames
}

// Matcher runs the cascade.
type Matcher struct {
	canonical map[string]bool
	scorer    *Scorer
	log       *zap.Logger
}

// New builds a matcher.
func New(cfg Config, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	canonical := make(map[string]bool, len(cfg.CanonicalSources))
	for _, s := range cfg.CanonicalSources {
		canonical[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return &Matcher{canonical: canonical, scorer: NewScorer(cfg.Nicknames), log: log}
}

// Similarity exposes the matcher's name scorer.
func (m *Matcher) Similarity(a, b string) float64 {
	return m.scorer.Similarity(a, b)
}

// IsCanonical reports whether source is a canonical source.
func (m *Matcher) IsCanonical(source string) bool {
	return m.canonical[strings.ToUpper(strings.TrimSpace(source))]
}

// FindMatch runs the cascade and returns the first tier's hit.
func (m *Matcher) FindMatch(c Candidate, pop Population, opts Options) Match {
	if match, ok := m.matchEmail(c, pop, opts); ok {
		return match
	}
	if match, ok := m.matchPhone(c, pop); ok {
		return match
	}

	sameSourceAllowed := !m.IsCanonical(c.Source)
	if match, ok := m.matchCrossSource(c, pop); ok {
		return match
	}
	if match, ok := m.matchNameDOB(c, pop, sameSourceAllowed); ok {
		return match
	}
	if match, ok := m.matchDOBSimilarity(c, pop, sameSourceAllowed); ok {
		return match
	}
	return Match{}
}

func (m *Matcher) matchEmail(c Candidate, pop Population, opts Options) (Match, bool) {
	if strings.TrimSpace(c.Email) == "" {
		return Match{}, false
	}
	hits := excludeSelf(pop.ByEmail(c.Email), c.ID)
	if len(hits) == 0 {
		return Match{}, false
	}

	// Prefer a client that also shares the phone number.
	if phone := digitsOnly(c.Phone); phone != "" {
		for _, h := range hits {
			if digitsOnly(h.Phone) == phone {
				return Match{Client: h, Type: core.MatchEmailPhone, Score: EmailScore}, true
			}
		}
	}
	score := EmailScore
	if opts.ScanMode {
		score = ScanEmailScore
	}
	return Match{Client: hits[0], Type: core.MatchEmail, Score: score}, true
}

func (m *Matcher) matchPhone(c Candidate, pop Population) (Match, bool) {
	phone := digitsOnly(c.Phone)
	if phone == "" {
		return Match{}, false
	}
	hits := excludeSelf(pop.ByPhone(phone), c.ID)
	if len(hits) == 0 {
		return Match{}, false
	}
	return Match{Client: hits[0], Type: core.MatchPhone, Score: PhoneScore}, true
}

// matchCrossSource compares names only against clients carrying the same
// client_id under a different source.
func (m *Matcher) matchCrossSource(c Candidate, pop Population) (Match, bool) {
	if strings.TrimSpace(c.ClientID) == "" || c.FullName() == "" {
		return Match{}, false
	}
	source := strings.ToUpper(strings.TrimSpace(c.Source))

	var best Match
	for _, h := range excludeSelf(pop.ByClientID(c.ClientID), c.ID) {
		if strings.ToUpper(strings.TrimSpace(h.Source)) == source {
			continue
		}
		score := m.scorer.Similarity(c.FullName(), h.FullName())
		if score >= CrossSourceMinScore && score > best.Score {
			best = Match{Client: h, Type: core.MatchCrossSourceName, Score: score}
		}
	}
	return best, best.Found()
}

func (m *Matcher) matchNameDOB(c Candidate, pop Population, sameSourceAllowed bool) (Match, bool) {
	if !usableDOB(c.DOB) || c.FirstName == "" || c.LastName == "" {
		return Match{}, false
	}
	hits := m.filterSource(excludeSelf(pop.ByNameDOB(c.FirstName, c.LastName, *c.DOB), c.ID), c.Source, sameSourceAllowed)
	if len(hits) == 0 {
		return Match{}, false
	}
	return Match{Client: hits[0], Type: core.MatchNameDOB, Score: NameDOBScore}, true
}

func (m *Matcher) matchDOBSimilarity(c Candidate, pop Population, sameSourceAllowed bool) (Match, bool) {
	if !usableDOB(c.DOB) || c.FullName() == "" {
		return Match{}, false
	}
	hits := pop.ByDOB(*c.DOB)
	if len(hits) > MaxDOBCandidates {
		m.log.Debug("dob candidates capped",
			zap.String("dob", c.DOB.String()), zap.Int("found", len(hits)), zap.Int("cap", MaxDOBCandidates))
		hits = hits[:MaxDOBCandidates]
	}
	hits = m.filterSource(excludeSelf(hits, c.ID), c.Source, sameSourceAllowed)

	var best Match
	for _, h := range hits {
		score := m.scorer.Similarity(c.FullName(), h.FullName())
		if score >= DOBNameMinScore && score > best.Score {
			best = Match{Client: h, Type: core.MatchDOBNameSimilarity, Score: score}
		}
	}
	return best, best.Found()
}

func (m *Matcher) filterSource(hits []core.ClientRecord, source string, sameSourceAllowed bool) []core.ClientRecord {
	if sameSourceAllowed {
		return hits
	}
	source = strings.ToUpper(strings.TrimSpace(source))
	out := hits[:0:0]
	for _, h := range hits {
		if strings.ToUpper(strings.TrimSpace(h.Source)) != source {
			out = append(out, h)
		}
	}
	return out
}

func usableDOB(d *core.Date) bool {
	return d != nil && !d.IsZero() && !d.IsPlaceholder()
}

func excludeSelf(hits []core.ClientRecord, self core.ClientID) []core.ClientRecord {
	if self == 0 {
		return hits
	}
	out := hits[:0:0]
	for _, h := range hits {
		if h.ID != self {
			out = append(out, h)
		}
	}
	return out
}
