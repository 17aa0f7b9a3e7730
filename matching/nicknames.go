package matching

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Nickname scores.
const (
	directNicknameScore  = 0.9  // one name is a listed nickname of the other
	siblingNicknameScore = 0.85 // both are nicknames of the same full name
)

var builtinNicknames = map[string][]string{
	"alexander":   {"alex", "al", "sandy", "xander"},
	"alexandra":   {"alex", "sandra", "sandy", "lexi"},
	"andrew":      {"andy", "drew"},
	"anthony":     {"tony"},
	"barbara":     {"barb", "babs"},
	"benjamin":    {"ben", "benny", "benji"},
	"catherine":   {"cathy", "kate", "katie", "cat"},
	"charles":     {"charlie", "chuck", "chas"},
	"christopher": {"chris", "topher", "kit"},
	"daniel":      {"dan", "danny"},
	"david":       {"dave", "davey"},
	"deborah":     {"deb", "debbie"},
	"edward":      {"ed", "eddie", "ted", "ned"},
	"elizabeth":   {"liz", "beth", "betty", "eliza", "lizzie"},
	"james":       {"jim", "jimmy", "jamie"},
	"jennifer":    {"jen", "jenny"},
	"john":        {"jack", "johnny", "jon"},
	"joseph":      {"joe", "joey"},
	"katherine":   {"kathy", "kate", "katie", "kat"},
	"margaret":    {"maggie", "meg", "peggy", "marge"},
	"matthew":     {"matt"},
	"michael":     {"mike", "mikey", "mick"},
	"nicholas":    {"nick", "nicky"},
	"patricia":    {"pat", "patty", "trish"},
	"richard":     {"rick", "rich", "dick", "ricky"},
	"robert":      {"rob", "bob", "bobby", "robbie"},
	"samuel":      {"sam", "sammy"},
	"stephen":     {"steve", "stevie"},
	"steven":      {"steve", "stevie"},
	"susan":       {"sue", "susie"},
	"thomas":      {"tom", "tommy"},
	"timothy":     {"tim", "timmy"},
	"victoria":    {"vicky", "tori"},
	"william":     {"will", "bill", "billy", "liam"},
}

// Nicknames relates full first names to their common short forms.
type Nicknames struct {
	// nickname -> full names it can stand for
	fullNames map[string][]string
	// full name -> nicknames
	nicknames map[string]map[string]bool
}

// NewNicknames builds a table from full name -> nicknames.
func NewNicknames(table map[string][]string) *Nicknames {
	n := &Nicknames{
		fullNames: make(map[string][]string),
		nicknames: make(map[string]map[string]bool, len(table)),
	}
	for full, shorts := range table {
		full = strings.ToLower(strings.TrimSpace(full))
		set := make(map[string]bool, len(shorts))
		for _, s := range shorts {
			s = strings.ToLower(strings.TrimSpace(s))
			set[s] = true
			n.fullNames[s] = append(n.fullNames[s], full)
		}
		n.nicknames[full] = set
	}
	return n
}

// DefaultNicknames returns the built-in table.
func DefaultNicknames() *Nicknames {
	return NewNicknames(builtinNicknames)
}

// LoadNicknames reads a JSON table of full name -> nicknames. An empty path,
// an unreadable file or corrupt JSON falls back to the built-in table.
func LoadNicknames(path string, log *zap.Logger) *Nicknames {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		return DefaultNicknames()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var table map[string][]string
		if err = json.Unmarshal(data, &table); err == nil {
			return NewNicknames(table)
		}
		err = fmt.Errorf("parse %s: %w", path, err)
	}
	log.Warn("nickname table unusable, using built-in table", zap.String("path", path), zap.Error(err))
	return DefaultNicknames()
}

// Related scores two lower-cased first names: 0.9 when one is a nickname of
// the other, 0.85 when both are nicknames of one full name, else 0.
func (n *Nicknames) Related(a, b string) float64 {
	if a == b {
		return 0
	}
	if n.nicknames[a][b] || n.nicknames[b][a] {
		return directNicknameScore
	}
	for _, fa := range n.fullNames[a] {
		if n.nicknames[fa][b] {
			return siblingNicknameScore
		}
	}
	return 0
}
