package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaDoc = `{
  "$defs": {
    "PlanOutput": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {"type": "string", "enum": ["next", "complete"]}
      }
    }
  }
}`

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(schemaDoc), 0o644))
	return path
}

func TestValidate_AcceptsConformingDocument(t *testing.T) {
	v := New()
	path := writeSchema(t)
	err := v.Validate(path, "PlanOutput", map[string]any{"action": "next"})
	assert.NoError(t, err)
}

func TestValidate_RejectsMissingRequiredField(t *testing.T) {
	v := New()
	path := writeSchema(t)
	err := v.Validate(path, "PlanOutput", map[string]any{})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Errors)
}

func TestValidate_RejectsValueOutsideEnum(t *testing.T) {
	v := New()
	path := writeSchema(t)
	err := v.Validate(path, "PlanOutput", map[string]any{"action": "bogus"})
	assert.Error(t, err)
}

func TestValidate_CompilesOnceAndReusesCache(t *testing.T) {
	v := New()
	path := writeSchema(t)
	require.NoError(t, v.Validate(path, "PlanOutput", map[string]any{"action": "next"}))
	require.NoError(t, os.Remove(path))
	// The second call hits the cache; deleting the file must not break it.
	assert.NoError(t, v.Validate(path, "PlanOutput", map[string]any{"action": "complete"}))
}

func TestValidate_MissingFileErrors(t *testing.T) {
	v := New()
	err := v.Validate(filepath.Join(t.TempDir(), "missing.json"), "PlanOutput", map[string]any{})
	assert.Error(t, err)
}
