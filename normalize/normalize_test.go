package normalize_test

import (
	"math"
	"testing"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/fieldmap"
	"github.com/casework/client-dedup/normalize"
	"github.com/casework/client-dedup/tabular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DATE TESTS
// =============================================================================

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string // "" means nil
	}{
		{"excel serial float", 45000.0, "2023-03-15"},
		{"excel serial string", "45000", "2023-03-15"},
		{"excel serial int", 45000, "2023-03-15"},
		{"time value", time.Date(2020, 5, 6, 13, 0, 0, 0, time.UTC), "2020-05-06"},
		{"iso", "2023-03-15", "2023-03-15"},
		{"us slash", "03/15/2023", "2023-03-15"},
		{"eu slash swapped", "15/03/2023", "2023-03-15"},
		{"textual month", "March 15, 2023", "2023-03-15"},
		{"compact string", "20230315", "2023-03-15"},
		{"compact number past serial range", 20230315.0, "2023-03-15"},
		{"dotted eu", "15.03.2023", "2023-03-15"},
		{"serial out of range", 2_000_000.0, ""},
		{"zero", 0.0, ""},
		{"garbage", "not a date", ""},
		{"null token", "NULL", ""},
		{"blank", "  ", ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalize.ParseDate(tt.input)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

// =============================================================================
// NAME TESTS
// =============================================================================

func TestParseCombinedName(t *testing.T) {
	tests := []struct {
		input               string
		first, last, client string
	}{
		{"Smith, John (12345)", "John", "Smith", "12345"},
		{"Smith, John (Johnny)", "John", "Smith", ""},
		{"John (Jon), Smith", "John", "Smith", ""},
		{"Smith,  John", "John", "Smith", ""},
		{"John Smith", "John", "Smith", ""},
		{"Mary Ann Lee", "Mary", "Ann Lee", ""},
		{"Cher", "Cher", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			parts, ok := normalize.ParseCombinedName(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.first, parts.FirstName)
			assert.Equal(t, tt.last, parts.LastName)
			assert.Equal(t, tt.client, parts.ClientID)
		})
	}

	_, ok := normalize.ParseCombinedName("   ")
	assert.False(t, ok)
}

// =============================================================================
// VALUE TESTS
// =============================================================================

func TestClientID(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  *string
	}{
		{"whole float", 2765.0, strPtr("2765")},
		{"whole float string", "2765.0", strPtr("2765")},
		{"fractional float", 2765.5, strPtr("2765.5")},
		{"alphanumeric", " A-100 ", strPtr("A-100")},
		{"nan", math.NaN(), nil},
		{"nan string", "NaN", nil},
		{"empty", "", nil},
		{"none", "None", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize.ClientID(tt.input))
		})
	}
}

func TestParseBoolAndInt(t *testing.T) {
	assert.True(t, *normalize.ParseBool("Yes"))
	assert.False(t, *normalize.ParseBool("n"))
	assert.Nil(t, normalize.ParseBool("maybe"))

	assert.Equal(t, 4, *normalize.ParseInt("4.0"))
	assert.Nil(t, normalize.ParseInt("4.5"))
	assert.Nil(t, normalize.ParseInt("four"))
}

func TestParseContactInfo(t *testing.T) {
	assert.Equal(t, map[string]any{"city": "Toronto"}, normalize.ParseContactInfo(`{"city":"Toronto"}`))
	assert.Equal(t, map[string]any{"address": "1 Main St"}, normalize.ParseContactInfo("1 Main St"))
	assert.Nil(t, normalize.ParseContactInfo(`{"city":`))
}

// =============================================================================
// ROW TESTS
// =============================================================================

func TestNormalize_Row(t *testing.T) {
	// GIVEN: A row with mixed formatting
	headers := []string{"Client ID", "First Name", "Last Name", "E-mail", "Phone", "DOB", "Program", "Start Date"}
	mapping := fieldmap.Default().MapColumns(headers)
	row := tabular.Row{
		"Client ID":  2765.0,
		"First Name": " Maria ",
		"Last Name":  "Garcia",
		"E-mail":     "Maria@Example.COM",
		"Phone":      "(416) 555-0101",
		"DOB":        "1985-04-12",
		"Program":    "Shelter",
		"Start Date": "garbage",
	}

	// WHEN: Normalizing it
	rec := normalize.Normalize(3, row, mapping)

	// THEN: Every field is coerced, bad optional values become nil
	assert.Equal(t, 3, rec.Row)
	assert.Equal(t, "2765", *rec.ClientID)
	assert.Equal(t, "Maria", *rec.FirstName)
	assert.Equal(t, "maria@example.com", *rec.Email)
	assert.Equal(t, "4165550101", *rec.Phone)
	assert.Equal(t, core.NewDate(1985, 4, 12), *rec.DOB)
	assert.Equal(t, "Shelter", *rec.ProgramName)
	assert.Nil(t, rec.StartDate)
	assert.True(t, rec.HasIdentity())
	assert.True(t, rec.HasEnrollment())
}

func TestNormalize_CombinedNameColumn(t *testing.T) {
	mapping := fieldmap.Default().MapColumns([]string{"Client Name"})
	rec := normalize.Normalize(1, tabular.Row{"Client Name": "Smith, John (12345)"}, mapping)

	assert.Equal(t, "John", *rec.FirstName)
	assert.Equal(t, "Smith", *rec.LastName)
	assert.Equal(t, "12345", *rec.ClientID)
}

func strPtr(s string) *string { return &s }
