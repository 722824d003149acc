package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []*Entry {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return []*Entry{
		{ID: "01A", OrganizationID: strPtr("org-1"), ActorID: "u1", ActorType: "ADMIN",
			Action: ActionRoleAssigned, EntityType: EntityAssignment, EntityID: "a1",
			ChangedFields: []string{"is_active", "role"}, Success: true, CreatedAt: at},
		{ID: "01B", ActorID: "u2", ActorType: "LANDLORD", Action: ActionCrossTenantDenied,
			EntityType: EntityOrganization, EntityID: "org-2", ChangedFields: []string{},
			Success: false, ErrorMessage: "cross-tenant access", CreatedAt: at},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	assert.Equal(t, "text/csv", f.ContentType())

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestExport_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, FormatJSON, sampleEntries()))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "org-1", decoded[0]["organization_id"])
	_, hasOrg := decoded[1]["organization_id"]
	assert.False(t, hasOrg)
}

func TestExport_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, FormatJSON, nil))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
}

func TestExport_NDJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, FormatNDJSON, sampleEntries()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var e Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
	assert.Equal(t, ActionCrossTenantDenied, e.Action)
}

func TestExport_CSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, FormatCSV, sampleEntries()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ID", records[0][0])
	assert.Equal(t, "org-1", records[1][2])
	assert.Equal(t, "is_active;role", records[1][8])
	assert.Equal(t, "false", records[2][9])
}
