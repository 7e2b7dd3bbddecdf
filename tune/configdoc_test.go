package tune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfig_CreatesMissingContainers(t *testing.T) {
	// GIVEN an empty document
	doc := map[string]interface{}{}

	// WHEN a nested path with a list index is set
	require.NoError(t, SetConfig(doc, "BackendConfig.ModelConfig.0.worldSize", 4))

	// THEN intermediate maps and lists exist
	models, ok := doc["BackendConfig"].(map[string]interface{})["ModelConfig"].([]interface{})
	require.True(t, ok)
	require.Len(t, models, 1)
	assert.Equal(t, 4, models[0].(map[string]interface{})["worldSize"])
}

func TestSetConfig_GrowsListsAndOverwrites(t *testing.T) {
	doc := map[string]interface{}{
		"a": map[string]interface{}{"b": []interface{}{"x"}},
	}
	require.NoError(t, SetConfig(doc, "a.b.2", "z"))
	require.NoError(t, SetConfig(doc, "a.b.0", "y"))

	got, ok := GetConfig(doc, "a.b")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"y", nil, "z"}, got)
}

func TestSetConfig_Errors(t *testing.T) {
	doc := map[string]interface{}{"a": []interface{}{1}}
	assert.Error(t, SetConfig(doc, "", 1))
	assert.Error(t, SetConfig(doc, "a.-1", 1), "negative list index")

	doc = map[string]interface{}{"a": map[string]interface{}{"b": 3}}
	require.NoError(t, SetConfig(doc, "a.b.c", 1), "scalar on the path is replaced by a map")
	v, ok := GetConfig(doc, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestGetConfig_Missing(t *testing.T) {
	doc := map[string]interface{}{"a": []interface{}{1}}
	_, ok := GetConfig(doc, "a.3")
	assert.False(t, ok)
	_, ok = GetConfig(doc, "b")
	assert.False(t, ok)
}
