package matching

import (
	"sort"
	"strings"

	"github.com/casework/client-dedup/core"
)

// Population is the set of existing clients a candidate is matched against.
// Lookups return clients in the order they were indexed.
type Population interface {
	BySourceKey(k core.SourceKey) []core.ClientRecord
	ByClientID(clientID string) []core.ClientRecord
	ByEmail(email string) []core.ClientRecord
	ByPhone(digits string) []core.ClientRecord
	ByNameDOB(first, last string, dob core.Date) []core.ClientRecord
	ByDOB(dob core.Date) []core.ClientRecord
}

type nameDOBKey struct {
	first, last string
	dob         core.Date
}

// Index is an in-memory Population keyed every way the matcher looks.
// It is not safe for concurrent writers.
type Index struct {
	clients   []core.ClientRecord
	bySource  map[core.SourceKey][]int
	byID      map[string][]int
	byEmail   map[string][]int
	byPhone   map[string][]int
	byNameDOB map[nameDOBKey][]int
	byDOB     map[core.Date][]int
}

// NewIndex indexes clients in the given order.
func NewIndex(clients []core.ClientRecord) *Index {
	idx := &Index{
		bySource:  make(map[core.SourceKey][]int),
		byID:      make(map[string][]int),
		byEmail:   make(map[string][]int),
		byPhone:   make(map[string][]int),
		byNameDOB: make(map[nameDOBKey][]int),
		byDOB:     make(map[core.Date][]int),
	}
	for _, c := range clients {
		idx.Add(c)
	}
	return idx
}

// Add indexes one more client.
func (x *Index) Add(c core.ClientRecord) {
	i := len(x.clients)
	x.clients = append(x.clients, c)

	// Legacy ids keep a merged client reachable by the ids it absorbed.
	for _, k := range c.SourceKeys() {
		x.bySource[k] = append(x.bySource[k], i)
	}
	if c.ClientID != "" {
		id := strings.TrimSpace(c.ClientID)
		x.byID[id] = append(x.byID[id], i)
	}
	if email := strings.ToLower(strings.TrimSpace(c.Email)); email != "" {
		x.byEmail[email] = append(x.byEmail[email], i)
	}
	if phone := digitsOnly(c.Phone); phone != "" {
		x.byPhone[phone] = append(x.byPhone[phone], i)
	}
	if c.DOB != nil {
		x.byDOB[*c.DOB] = append(x.byDOB[*c.DOB], i)
		if c.FirstName != "" && c.LastName != "" {
			k := nameDOBKey{NormalizeName(c.FirstName), NormalizeName(c.LastName), *c.DOB}
			x.byNameDOB[k] = append(x.byNameDOB[k], i)
		}
	}
}

// Len returns the number of indexed clients.
func (x *Index) Len() int { return len(x.clients) }

// Clients returns every indexed client in insertion order.
func (x *Index) Clients() []core.ClientRecord { return x.clients }

func (x *Index) pick(positions []int) []core.ClientRecord {
	if len(positions) == 0 {
		return nil
	}
	out := make([]core.ClientRecord, len(positions))
	for i, p := range positions {
		out[i] = x.clients[p]
	}
	return out
}

func (x *Index) BySourceKey(k core.SourceKey) []core.ClientRecord {
	return x.pick(x.bySource[k])
}

func (x *Index) ByClientID(clientID string) []core.ClientRecord {
	return x.pick(x.byID[strings.TrimSpace(clientID)])
}

func (x *Index) ByEmail(email string) []core.ClientRecord {
	return x.pick(x.byEmail[strings.ToLower(strings.TrimSpace(email))])
}

func (x *Index) ByPhone(digits string) []core.ClientRecord {
	return x.pick(x.byPhone[digitsOnly(digits)])
}

func (x *Index) ByNameDOB(first, last string, dob core.Date) []core.ClientRecord {
	return x.pick(x.byNameDOB[nameDOBKey{NormalizeName(first), NormalizeName(last), dob}])
}

func (x *Index) ByDOB(dob core.Date) []core.ClientRecord {
	return x.pick(x.byDOB[dob])
}

// Key groups with more than one member, for the population scan.
func (x *Index) SourceKeyGroups() [][]core.ClientRecord { return groups(x, x.bySource) }
func (x *Index) EmailGroups() [][]core.ClientRecord     { return groups(x, x.byEmail) }
func (x *Index) PhoneGroups() [][]core.ClientRecord     { return groups(x, x.byPhone) }
func (x *Index) NameDOBGroups() [][]core.ClientRecord   { return groups(x, x.byNameDOB) }

// groups emits multi-member groups ordered by their first member so scans
// are reproducible.
func groups[K comparable](x *Index, m map[K][]int) [][]core.ClientRecord {
	var firsts []int
	byFirst := make(map[int][]int)
	for _, positions := range m {
		if len(positions) < 2 {
			continue
		}
		firsts = append(firsts, positions[0])
		byFirst[positions[0]] = positions
	}
	sort.Ints(firsts)
	out := make([][]core.ClientRecord, 0, len(firsts))
	for _, f := range firsts {
		out = append(out, x.pick(byFirst[f]))
	}
	return out
}

// =============================================================================
// LAYERED POPULATION - Read-only snapshot plus in-flight overlay
// =============================================================================

// Layered answers lookups from a read-only Base snapshot followed by an
// Overlay of clients created during the current run. The base is never
// mutated; new clients go to the overlay.
type Layered struct {
	Base    Population
	Overlay *Index
}

// NewLayered wraps base with an empty overlay.
func NewLayered(base Population) *Layered {
	return &Layered{Base: base, Overlay: NewIndex(nil)}
}

// Add records a client created during the run.
func (l *Layered) Add(c core.ClientRecord) { l.Overlay.Add(c) }

func (l *Layered) BySourceKey(k core.SourceKey) []core.ClientRecord {
	return append(l.Base.BySourceKey(k), l.Overlay.BySourceKey(k)...)
}

func (l *Layered) ByClientID(id string) []core.ClientRecord {
	return append(l.Base.ByClientID(id), l.Overlay.ByClientID(id)...)
}

func (l *Layered) ByEmail(email string) []core.ClientRecord {
	return append(l.Base.ByEmail(email), l.Overlay.ByEmail(email)...)
}

func (l *Layered) ByPhone(digits string) []core.ClientRecord {
	return append(l.Base.ByPhone(digits), l.Overlay.ByPhone(digits)...)
}

func (l *Layered) ByNameDOB(first, last string, dob core.Date) []core.ClientRecord {
	return append(l.Base.ByNameDOB(first, last, dob), l.Overlay.ByNameDOB(first, last, dob)...)
}

func (l *Layered) ByDOB(dob core.Date) []core.ClientRecord {
	return append(l.Base.ByDOB(dob), l.Overlay.ByDOB(dob)...)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

