package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicecerts/core/schema"
)

const nameSchema = `{
  "$id": "https://devicecerts/name.json",
  "type": "object",
  "properties": {"name": {"type": "string", "maxLength": 5}},
  "required": ["name"]
}`

func TestValidateBytes(t *testing.T) {
	v, err := schema.NewValidator([]string{nameSchema})
	require.NoError(t, err)
	id := "https://devicecerts/name.json"
	assert.True(t, v.HasSchema(id))

	assert.NoError(t, v.ValidateBytes([]byte(`{"name":"short"}`), id))

	err = v.ValidateBytes([]byte(`{"name":"a very long string"}`), id)
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	assert.Len(t, verr.Violations, 1)

	assert.Error(t, v.ValidateBytes([]byte(`{}`), id))
	assert.Error(t, v.ValidateBytes([]byte(`{"name":"x"}`), "unknown"))
}

func TestNewValidator_RequiresID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"string"}`})
	assert.Error(t, err)
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"name.json":  {Data: []byte(nameSchema)},
		"README.txt": {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys)
	require.NoError(t, err)
	assert.True(t, v.HasSchema("https://devicecerts/name.json"))
}
