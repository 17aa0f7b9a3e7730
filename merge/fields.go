package merge

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/normalize"
)

// =============================================================================
// FIELD CHOICES
// =============================================================================

// Choice says where a merged field's value comes from.
type Choice string

const (
	ChoiceAuto      Choice = ""          // primary unless blank, then duplicate
	ChoicePrimary   Choice = "primary"   // keep primary's value
	ChoiceDuplicate Choice = "duplicate" // take duplicate's value, even blank
	ChoiceCustom    Choice = "custom"    // use FieldChoice.Value
)

// FieldChoice is the reviewer's decision for one field.
type FieldChoice struct {
	Choice Choice `json:"choice"`
	Value  any    `json:"value,omitempty"`
}

// Resolution maps field names to choices. Fields without an entry use the
// automatic policy, so a nil Resolution is a fully automatic merge.
type Resolution map[string]FieldChoice

// =============================================================================
// RESOLUTION TABLE
// =============================================================================

// field is one row of the resolution table.
type field struct {
	name  string
	blank func(c *core.ClientRecord) bool
	take  func(dst, src *core.ClientRecord)
	set   func(dst *core.ClientRecord, v any) error
}

func textField(name string, ptr func(c *core.ClientRecord) *string) field {
	return field{
		name:  name,
		blank: func(c *core.ClientRecord) bool { return strings.TrimSpace(*ptr(c)) == "" },
		take:  func(dst, src *core.ClientRecord) { *ptr(dst) = *ptr(src) },
		set: func(dst *core.ClientRecord, v any) error {
			*ptr(dst) = core.StringValue(normalize.Text(v))
			return nil
		},
	}
}

// fields lists every client attribute a merge can resolve, in a fixed order.
// Identity columns (source, client_id, legacy ids) are not in the table; the
// engine handles them.
var fields = []field{
	textField("first_name", func(c *core.ClientRecord) *string { return &c.FirstName }),
	textField("last_name", func(c *core.ClientRecord) *string { return &c.LastName }),
	textField("preferred_name", func(c *core.ClientRecord) *string { return &c.PreferredName }),
	textField("alias", func(c *core.ClientRecord) *string { return &c.Alias }),
	{
		name:  "dob",
		blank: func(c *core.ClientRecord) bool { return c.DOB == nil || c.DOB.IsPlaceholder() },
		take:  func(dst, src *core.ClientRecord) { dst.DOB = src.DOB },
		set: func(dst *core.ClientRecord, v any) error {
			if v == nil || v == "" {
				dst.DOB = nil
				return nil
			}
			d := normalize.ParseDate(v)
			if d == nil {
				return fmt.Errorf("dob: unparseable date %v", v)
			}
			dst.DOB = d
			return nil
		},
	},
	textField("gender", func(c *core.ClientRecord) *string { return &c.Gender }),
	textField("sexual_orientation", func(c *core.ClientRecord) *string { return &c.SexualOrientation }),
	textField("race", func(c *core.ClientRecord) *string { return &c.Race }),
	textField("immigration_status", func(c *core.ClientRecord) *string { return &c.ImmigrationStatus }),
	{
		name:  "languages",
		blank: func(c *core.ClientRecord) bool { return len(c.Languages) == 0 },
		take:  func(dst, src *core.ClientRecord) { dst.Languages = slices.Clone(src.Languages) },
		set: func(dst *core.ClientRecord, v any) error {
			switch vv := v.(type) {
			case []string:
				dst.Languages = slices.Clone(vv)
			case []any:
				dst.Languages = nil
				for _, item := range vv {
					if s := core.StringValue(normalize.Text(item)); s != "" {
						dst.Languages = append(dst.Languages, s)
					}
				}
			default:
				dst.Languages = normalize.ParseLanguages(v)
			}
			return nil
		},
	},
	{
		name:  "phone",
		blank: func(c *core.ClientRecord) bool { return c.Phone == "" },
		take:  func(dst, src *core.ClientRecord) { dst.Phone = src.Phone },
		set: func(dst *core.ClientRecord, v any) error {
			dst.Phone = core.StringValue(normalize.Phone(v))
			return nil
		},
	},
	{
		name:  "email",
		blank: func(c *core.ClientRecord) bool { return c.Email == "" },
		take:  func(dst, src *core.ClientRecord) { dst.Email = src.Email },
		set: func(dst *core.ClientRecord, v any) error {
			dst.Email = core.StringValue(normalize.Email(v))
			return nil
		},
	},
	{
		// Auto fills keys missing on the primary; primary keys always win.
		name:  "contact_info",
		blank: func(c *core.ClientRecord) bool { return len(c.ContactInfo) == 0 },
		take:  func(dst, src *core.ClientRecord) { dst.ContactInfo = maps.Clone(src.ContactInfo) },
		set: func(dst *core.ClientRecord, v any) error {
			if v == nil {
				dst.ContactInfo = nil
				return nil
			}
			info := normalize.ParseContactInfo(v)
			if info == nil {
				return fmt.Errorf("contact_info: expected a JSON object")
			}
			dst.ContactInfo = info
			return nil
		},
	},
	{
		name:  "veteran",
		blank: func(c *core.ClientRecord) bool { return c.Extended.Veteran == nil },
		take:  func(dst, src *core.ClientRecord) { dst.Extended.Veteran = src.Extended.Veteran },
		set: func(dst *core.ClientRecord, v any) error {
			dst.Extended.Veteran = normalize.ParseBool(v)
			return nil
		},
	},
	{
		name:  "indigenous",
		blank: func(c *core.ClientRecord) bool { return c.Extended.Indigenous == nil },
		take:  func(dst, src *core.ClientRecord) { dst.Extended.Indigenous = src.Extended.Indigenous },
		set: func(dst *core.ClientRecord, v any) error {
			dst.Extended.Indigenous = normalize.ParseBool(v)
			return nil
		},
	},
	{
		name:  "household_size",
		blank: func(c *core.ClientRecord) bool { return c.Extended.HouseholdSize == nil },
		take:  func(dst, src *core.ClientRecord) { dst.Extended.HouseholdSize = src.Extended.HouseholdSize },
		set: func(dst *core.ClientRecord, v any) error {
			dst.Extended.HouseholdSize = normalize.ParseInt(v)
			return nil
		},
	},
	textField("referral_source", func(c *core.ClientRecord) *string { return &c.Extended.ReferralSource }),
}

var fieldsByName = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.name] = f
	}
	return m
}()

// Fields returns the names of every resolvable field, in table order.
func Fields() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// Validate rejects unknown fields and choices before any write happens.
func (r Resolution) Validate() error {
	for name, fc := range r {
		if _, ok := fieldsByName[name]; !ok {
			return fmt.Errorf("%w: unknown field %q", core.ErrInvalidFieldChoice, name)
		}
		switch fc.Choice {
		case ChoiceAuto, ChoicePrimary, ChoiceDuplicate, ChoiceCustom:
		default:
			return fmt.Errorf("%w: unknown choice %q for %s", core.ErrInvalidFieldChoice, fc.Choice, name)
		}
	}
	return nil
}

// resolveFields writes the resolved values into primary and returns the
// names of fields whose value came from somewhere other than the primary.
func resolveFields(primary, duplicate *core.ClientRecord, r Resolution) ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var changed []string
	for _, f := range fields {
		fc := r[f.name]
		switch fc.Choice {
		case ChoicePrimary:
			continue
		case ChoiceDuplicate:
			f.take(primary, duplicate)
			changed = append(changed, f.name)
		case ChoiceCustom:
			if err := f.set(primary, fc.Value); err != nil {
				return nil, fmt.Errorf("%w: %v", core.ErrInvalidFieldChoice, err)
			}
			changed = append(changed, f.name)
		default:
			if f.name == "contact_info" {
				if fillContactInfo(primary, duplicate) {
					changed = append(changed, f.name)
				}
				continue
			}
			if f.blank(primary) && !f.blank(duplicate) {
				f.take(primary, duplicate)
				changed = append(changed, f.name)
			}
		}
	}
	return changed, nil
}

func fillContactInfo(primary, duplicate *core.ClientRecord) bool {
	filled := false
	for k, v := range duplicate.ContactInfo {
		if _, ok := primary.ContactInfo[k]; ok {
			continue
		}
		if primary.ContactInfo == nil {
			primary.ContactInfo = make(map[string]any, len(duplicate.ContactInfo))
		}
		primary.ContactInfo[k] = v
		filled = true
	}
	return filled
}

// =============================================================================
// LEGACY IDENTIFIERS
// =============================================================================

// unionLegacyIDs returns primary's legacy ids extended with both clients'
// current (source, client_id) and everything the duplicate had absorbed.
// Pairs are unique by source (case-insensitive) and client id.
func unionLegacyIDs(primary, duplicate core.ClientRecord, stamp core.LegacyID) []core.LegacyID {
	out := make([]core.LegacyID, 0, len(primary.LegacyIDs)+len(duplicate.LegacyIDs)+2)
	seen := make(map[core.SourceKey]bool)
	add := func(l core.LegacyID) {
		k := core.NewSourceKey(l.Source, l.ClientID)
		if k.ClientID == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, l)
	}
	own := func(c core.ClientRecord, label string) core.LegacyID {
		l := stamp
		l.Source, l.ClientID, l.Label = c.Source, c.ClientID, label
		return l
	}

	for _, l := range primary.LegacyIDs {
		add(l)
	}
	add(own(primary, core.LegacyLabelPrimary))
	add(own(duplicate, core.LegacyLabelMerged))
	for _, l := range duplicate.LegacyIDs {
		if l.Label == "" || l.Label == core.LegacyLabelPrimary {
			l.Label = core.LegacyLabelMerged
		}
		add(l)
	}
	return out
}
