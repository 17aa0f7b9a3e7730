package normalize

import (
	"regexp"
	"strings"
)

// NameParts is what a combined "client" cell breaks into. Annotation holds a
// non-numeric parenthetical (preferred or previous name); it is kept for
// display but never used for matching.
type NameParts struct {
	FirstName  string
	LastName   string
	ClientID   string
	Annotation string
}

// Combined-name shapes, tried in this order.
var (
	lastFirstID        = regexp.MustCompile(`^([^,()]+),\s*([^,()]+?)\s*\(\s*(\d+)\s*\)$`)
	lastFirstPreferred = regexp.MustCompile(`^([^,()]+),\s*([^,()]+?)\s*\(\s*([^()]*?)\s*\)$`)
	firstPreviousLast  = regexp.MustCompile(`^([^,()]+?)\s*\(\s*([^()]*?)\s*\)\s*,\s*([^,()]+)$`)
	lastFirst          = regexp.MustCompile(`^([^,()]+),\s*([^,()]+)$`)
	firstLast          = regexp.MustCompile(`^(\S+)\s+(.+)$`)
)

// ParseCombinedName splits a single name cell. Recognized shapes:
//
//	Smith, John (12345)    -> John / Smith / id 12345
//	Smith, John (Johnny)   -> John / Smith
//	John (Jon), Smith      -> John / Smith
//	Smith, John            -> John / Smith
//	John Smith             -> John / Smith
//
// A single word becomes the first name. ok is false for blank input.
func ParseCombinedName(s string) (NameParts, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return NameParts{}, false
	}

	if m := lastFirstID.FindStringSubmatch(s); m != nil {
		return NameParts{LastName: trim(m[1]), FirstName: trim(m[2]), ClientID: m[3]}, true
	}
	if m := lastFirstPreferred.FindStringSubmatch(s); m != nil {
		return NameParts{LastName: trim(m[1]), FirstName: trim(m[2]), Annotation: m[3]}, true
	}
	if m := firstPreviousLast.FindStringSubmatch(s); m != nil {
		return NameParts{FirstName: trim(m[1]), Annotation: m[2], LastName: trim(m[3])}, true
	}
	if m := lastFirst.FindStringSubmatch(s); m != nil {
		return NameParts{LastName: trim(m[1]), FirstName: trim(m[2])}, true
	}
	if m := firstLast.FindStringSubmatch(s); m != nil {
		return NameParts{FirstName: m[1], LastName: m[2]}, true
	}
	return NameParts{FirstName: s}, true
}

func trim(s string) string { return strings.TrimSpace(s) }
