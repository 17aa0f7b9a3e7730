package fieldmap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/casework/client-dedup/fieldmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMapColumns_Synonyms(t *testing.T) {
	// GIVEN: Headers spelled the way one source system spells them
	headers := []string{"Given Name", "SURNAME", "E-mail", "Date of Birth", "Cell", "Shoe Size"}

	// WHEN: Mapping with the built-in table
	m := fieldmap.Default().MapColumns(headers)

	// THEN: Each header resolves to its canonical field
	col, ok := m.Column(fieldmap.FirstName)
	require.True(t, ok)
	assert.Equal(t, "Given Name", col)

	col, _ = m.Column(fieldmap.LastName)
	assert.Equal(t, "SURNAME", col)
	col, _ = m.Column(fieldmap.Email)
	assert.Equal(t, "E-mail", col)
	col, _ = m.Column(fieldmap.DOB)
	assert.Equal(t, "Date of Birth", col)
	col, _ = m.Column(fieldmap.Phone)
	assert.Equal(t, "Cell", col)

	assert.Equal(t, []string{"Shoe Size"}, m.Unmapped())
}

func TestMapColumns_CanonicalNameIsSynonym(t *testing.T) {
	m := fieldmap.Default().MapColumns([]string{"first_name", "last_name", "client_id"})
	assert.True(t, m.Has(fieldmap.FirstName))
	assert.True(t, m.Has(fieldmap.LastName))
	assert.True(t, m.Has(fieldmap.ClientID))
}

func TestMapColumns_ClaimedColumnIsNotReclaimed(t *testing.T) {
	// GIVEN: A table where two fields list the same synonym
	mapper := fieldmap.New(map[fieldmap.Field][]string{
		fieldmap.FirstName:     {"name"},
		fieldmap.PreferredName: {"name"},
	})

	// WHEN: Only one matching column exists
	m := mapper.MapColumns([]string{"Name"})

	// THEN: The field visited first keeps it
	assert.True(t, m.Has(fieldmap.FirstName))
	assert.False(t, m.Has(fieldmap.PreferredName))
}

func TestMapColumns_FirstSynonymWins(t *testing.T) {
	m := fieldmap.New(map[fieldmap.Field][]string{
		fieldmap.Phone: {"mobile", "phone"},
	}).MapColumns([]string{"Phone", "Mobile"})

	col, _ := m.Column(fieldmap.Phone)
	assert.Equal(t, "Mobile", col)
}

func TestMapColumns_Deterministic(t *testing.T) {
	headers := []string{"ID", "Name", "First Name", "Last Name", "Phone", "Tel"}
	first := fieldmap.Default().MapColumns(headers).Fields()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, fieldmap.Default().MapColumns(headers).Fields())
	}
}

func TestLoad_CorruptConfigFallsBack(t *testing.T) {
	// GIVEN: A corrupt synonym file
	path := filepath.Join(t.TempDir(), "synonyms.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	// WHEN: Loading it
	mapper := fieldmap.Load(path, zaptest.NewLogger(t))

	// THEN: The built-in table is used
	assert.True(t, mapper.MapColumns([]string{"fname"}).Has(fieldmap.FirstName))
}

func TestLoad_CustomConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"first_name": ["prenom"], "last_name": ["nom"]}`), 0o600))

	m := fieldmap.Load(path, zaptest.NewLogger(t)).MapColumns([]string{"Prenom", "Nom", "fname"})

	col, _ := m.Column(fieldmap.FirstName)
	assert.Equal(t, "Prenom", col)
	assert.Equal(t, []string{"fname"}, m.Unmapped())
}
