/*
Package fieldmap maps arbitrary spreadsheet headers onto canonical fields.

PURPOSE:
  Upload files come from several source systems, each with its own column
  naming ("First Name", "fname", "Given Name"). The mapper resolves headers
  to canonical field names using a synonym table so the rest of the engine
  never sees source-specific column names.

SYNONYM TABLE (JSON):
  {
    "first_name": ["first name", "firstname", "fname", "given name"],
    "email":      ["e-mail", "email address", "e_mail"]
  }

  The canonical name itself always counts as a synonym. An unreadable or
  corrupt file falls back to the built-in table with a warning.

MATCHING RULES:
  - Headers and synonyms compare lower-cased with whitespace collapsed
  - Canonical fields are visited in a fixed order; within a field the first
    synonym that hits an unclaimed column wins
  - A column claimed by one field cannot be claimed by another
  - Columns matching no synonym stay unmapped

USAGE:
  mapper := fieldmap.Load(cfg.FieldSynonymsPath, logger)
  mapping := mapper.MapColumns(headers)
  col, ok := mapping.Column(fieldmap.FirstName)

SEE ALSO:
  - normalize: Consumes Mapping to build canonical records
*/
package fieldmap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Field is a canonical field name.
type Field string

const (
	ClientID          Field = "client_id"
	FirstName         Field = "first_name"
	LastName          Field = "last_name"
	FullName          Field = "full_name"
	PreferredName     Field = "preferred_name"
	Alias             Field = "alias"
	DOB               Field = "dob"
	Gender            Field = "gender"
	SexualOrientation Field = "sexual_orientation"
	Race              Field = "race"
	ImmigrationStatus Field = "immigration_status"
	Languages         Field = "languages_spoken"
	Phone             Field = "phone_number"
	Email             Field = "email"
	ContactInfo       Field = "address"
	Veteran           Field = "veteran"
	Indigenous        Field = "indigenous"
	HouseholdSize     Field = "household_size"
	ReferralSource    Field = "referral_source"
	Program           Field = "program"
	Department        Field = "department"
	StartDate         Field = "start_date"
	EndDate           Field = "end_date"
	DischargeReason   Field = "discharge_reason"
	EnrollmentNotes   Field = "enrollment_notes"
)

// canonicalOrder is the visiting order for known fields. Specific fields come
// before broad ones so "client name" can't steal a column from first/last.
var canonicalOrder = []Field{
	ClientID, FirstName, LastName, PreferredName, Alias, FullName, DOB,
	Gender, SexualOrientation, Race, ImmigrationStatus, Languages,
	Phone, Email, ContactInfo, Veteran, Indigenous, HouseholdSize, ReferralSource,
	Program, Department, StartDate, EndDate, DischargeReason, EnrollmentNotes,
}

// DefaultSynonyms is the built-in synonym table.
var DefaultSynonyms = map[Field][]string{
	ClientID:          {"client id", "clientid", "id", "client number"},
	FirstName:         {"first name", "firstname", "fname", "given name"},
	LastName:          {"last name", "lastname", "lname", "surname", "family name"},
	FullName:          {"name", "client name", "full name", "fullname"},
	PreferredName:     {"preferred name", "nickname", "goes by"},
	Alias:             {"alias", "aka", "also known as"},
	DOB:               {"dob", "date of birth", "birthdate", "birth date", "dateofbirth"},
	Gender:            {"gender", "sex", "gender identity"},
	SexualOrientation: {"sexual orientation", "orientation"},
	Race:              {"race", "ethnicity", "race/ethnicity"},
	ImmigrationStatus: {"immigration status", "status in canada", "citizenship status"},
	Languages:         {"languages", "languages spoken", "language", "primary language"},
	Phone:             {"phone", "phone number", "telephone", "tel", "mobile", "cell"},
	Email:             {"e-mail", "email address", "e_mail"},
	ContactInfo:       {"address", "contact info", "contact information", "street address"},
	Veteran:           {"veteran", "is veteran", "veteran status"},
	Indigenous:        {"indigenous", "is indigenous", "indigenous identity"},
	HouseholdSize:     {"household size", "household", "family size"},
	ReferralSource:    {"referral source", "referred by", "referral"},
	Program:           {"program", "program name", "service"},
	Department:        {"department", "department name", "dept"},
	StartDate:         {"start date", "admission date", "intake date", "enrollment date", "start"},
	EndDate:           {"end date", "discharge date", "exit date", "end"},
	DischargeReason:   {"discharge reason", "reason for discharge", "exit reason"},
	EnrollmentNotes:   {"notes", "enrollment notes", "comments"},
}

// Mapper resolves headers against a synonym table.
type Mapper struct {
	order    []Field
	synonyms map[Field][]string
}

// New builds a mapper from a synonym table.
func New(synonyms map[Field][]string) *Mapper {
	m := &Mapper{synonyms: make(map[Field][]string, len(synonyms))}
	for field, words := range synonyms {
		normalized := make([]string, 0, len(words)+1)
		normalized = append(normalized, normalizeHeader(string(field)))
		for _, w := range words {
			normalized = append(normalized, normalizeHeader(w))
		}
		m.synonyms[field] = normalized
	}
	m.order = visitOrder(synonyms)
	return m
}

// Default returns a mapper over DefaultSynonyms.
func Default() *Mapper {
	return New(DefaultSynonyms)
}

// Load reads a JSON synonym table from path. An empty path, an unreadable
// file or corrupt JSON falls back to DefaultSynonyms with a warning.
func Load(path string, log *zap.Logger) *Mapper {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		return Default()
	}

	synonyms, err := readSynonyms(path)
	if err != nil {
		log.Warn("field synonym config unusable, using built-in table",
			zap.String("path", path), zap.Error(err))
		return Default()
	}
	return New(synonyms)
}

func readSynonyms(path string) (map[Field][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s defines no fields", path)
	}
	out := make(map[Field][]string, len(raw))
	for k, v := range raw {
		out[Field(k)] = v
	}
	return out, nil
}

// visitOrder lists known fields in canonicalOrder, then unknown ones sorted,
// so the result never depends on map iteration.
func visitOrder(synonyms map[Field][]string) []Field {
	known := make(map[Field]bool, len(canonicalOrder))
	var order []Field
	for _, f := range canonicalOrder {
		known[f] = true
		if _, ok := synonyms[f]; ok {
			order = append(order, f)
		}
	}
	var extra []Field
	for f := range synonyms {
		if !known[f] {
			extra = append(extra, f)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(order, extra...)
}

// MapColumns resolves headers to canonical fields.
func (m *Mapper) MapColumns(headers []string) Mapping {
	mapping := Mapping{
		byField:  make(map[Field]string),
		byColumn: make(map[string]Field),
		headers:  append([]string(nil), headers...),
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	for _, field := range m.order {
	synonyms:
		for _, syn := range m.synonyms[field] {
			for i, h := range normalized {
				if h != syn {
					continue
				}
				if _, claimed := mapping.byColumn[headers[i]]; claimed {
					continue
				}
				mapping.byField[field] = headers[i]
				mapping.byColumn[headers[i]] = field
				break synonyms
			}
		}
	}
	return mapping
}

func normalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(h)), " ")
}

// =============================================================================
// MAPPING
// =============================================================================

// Mapping is the result of resolving one file's headers.
type Mapping struct {
	byField  map[Field]string
	byColumn map[string]Field
	headers  []string
}

// Column returns the header mapped to field.
func (m Mapping) Column(field Field) (string, bool) {
	col, ok := m.byField[field]
	return col, ok
}

// Field returns the canonical field a header was mapped to.
func (m Mapping) Field(column string) (Field, bool) {
	f, ok := m.byColumn[column]
	return f, ok
}

// Has reports whether field was mapped.
func (m Mapping) Has(field Field) bool {
	_, ok := m.byField[field]
	return ok
}

// Unmapped returns headers that matched no synonym, in file order.
func (m Mapping) Unmapped() []string {
	var out []string
	for _, h := range m.headers {
		if _, ok := m.byColumn[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

// Fields returns the mapped fields with their columns, for logging.
func (m Mapping) Fields() map[string]string {
	out := make(map[string]string, len(m.byField))
	for f, c := range m.byField {
		out[string(f)] = c
	}
	return out
}
