package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// nullTokens are cell values that mean "no value".
var nullTokens = map[string]bool{
	"":     true,
	"none": true,
	"null": true,
	"nan":  true,
	"nat":  true,
}

// Text returns the trimmed string form of v, or nil for null tokens.
func Text(v any) *string {
	s, ok := text(v)
	if !ok {
		return nil
	}
	return &s
}

func text(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case float64:
		if math.IsNaN(t) {
			return "", false
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if nullTokens[strings.ToLower(s)] {
		return "", false
	}
	return s, true
}

// ClientID normalizes an identifier cell. Spreadsheet numeric columns turn
// 2765 into 2765.0; whole floats are rendered back as integers. Non-whole
// decimals and non-numeric strings pass through unchanged.
func ClientID(v any) *string {
	switch t := v.(type) {
	case int:
		s := strconv.Itoa(t)
		return &s
	case int64:
		s := strconv.FormatInt(t, 10)
		return &s
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			s := strconv.FormatInt(int64(t), 10)
			return &s
		}
		s := strconv.FormatFloat(t, 'f', -1, 64)
		return &s
	}

	s, ok := text(v)
	if !ok {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.Contains(s, ".") &&
		f == math.Trunc(f) && math.Abs(f) < 1e15 {
		s = strconv.FormatInt(int64(f), 10)
	}
	return &s
}

// Email lower-cases and trims.
func Email(v any) *string {
	s, ok := text(v)
	if !ok {
		return nil
	}
	s = strings.ToLower(s)
	return &s
}

// Phone keeps digits only. A value without digits is nil.
func Phone(v any) *string {
	s, ok := text(v)
	if !ok {
		return nil
	}
	digits := PhoneDigits(s)
	if digits == "" {
		return nil
	}
	return &digits
}

// PhoneDigits strips everything but 0-9.
func PhoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseBool accepts the usual spreadsheet spellings. Anything else is nil.
func ParseBool(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	s, ok := text(v)
	if !ok {
		return nil
	}
	var b bool
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "x", "t":
		b = true
	case "false", "no", "n", "0", "f":
		b = false
	default:
		return nil
	}
	return &b
}

// ParseInt accepts integers and whole floats.
func ParseInt(v any) *int {
	switch t := v.(type) {
	case int:
		return &t
	case float64:
		if t != math.Trunc(t) || math.IsNaN(t) {
			return nil
		}
		n := int(t)
		return &n
	}
	s, ok := text(v)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return nil
	}
	n := int(f)
	return &n
}

// ParseLanguages splits a list cell on commas, semicolons and slashes.
func ParseLanguages(v any) []string {
	s, ok := text(v)
	if !ok {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '/' })
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseContactInfo reads a JSON object, or wraps plain text as an address.
// Malformed JSON yields nil.
func ParseContactInfo(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	s, ok := text(v)
	if !ok {
		return nil
	}
	if strings.HasPrefix(s, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil
		}
		return m
	}
	return map[string]any{"address": s}
}
