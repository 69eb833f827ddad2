package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFromCodeBlock(t *testing.T) {
	content := "Here is the result:\n```json\n{\"concepts\": []}\n```\nDone."
	assert.Equal(t, `{"concepts": []}`, ExtractJSON(content))
}

func TestExtractJSONBareObject(t *testing.T) {
	content := `The extraction is {"label": "Photosynthesis"} as requested.`
	assert.Equal(t, `{"label": "Photosynthesis"}`, ExtractJSON(content))
}

func TestExtractJSONNone(t *testing.T) {
	assert.Empty(t, ExtractJSON("I could not find any concepts."))
}

func TestExtractJSONStripsComments(t *testing.T) {
	content := "```json\n" + `{
	"label": "CRDT", // conflict-free replicated data type
	"url": "http://example.com/a"
}` + "\n```"

	raw := ExtractJSON(content)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &parsed))
	assert.Equal(t, "CRDT", parsed["label"])
	// Comment stripping must not eat the // inside a string value.
	assert.Equal(t, "http://example.com/a", parsed["url"])
}

func TestExtractJSONRemovesTrailingCommas(t *testing.T) {
	content := `{"items": ["a", "b",], "count": 2,}`
	raw := ExtractJSON(content)

	var parsed struct {
		Items []string `json:"items"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &parsed))
	assert.Equal(t, []string{"a", "b"}, parsed.Items)
	assert.Equal(t, 2, parsed.Count)
}
