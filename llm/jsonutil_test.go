package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFromCodeBlock(t *testing.T) {
	content := "Here is the result:\n```json\n{\"drug\": \"methotrexate\"}\n```\nLet me know if you need more."

	out := ExtractJSON(content)
	require.NotEmpty(t, out)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "methotrexate", parsed["drug"])
}

func TestExtractJSONFromBareCodeBlock(t *testing.T) {
	content := "```\n{\"condition\": \"asthma\"}\n```"

	out := ExtractJSON(content)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "asthma", parsed["condition"])
}

func TestExtractJSONFromProse(t *testing.T) {
	content := `The slots I identified are {"genes": ["TP53", "BRCA1"]} based on the question.`

	out := ExtractJSON(content)
	var parsed map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, []string{"TP53", "BRCA1"}, parsed["genes"])
}

func TestExtractJSONStripsComments(t *testing.T) {
	content := "```json\n{\n  \"limit\": \"25\", // capped by the caller\n  \"direction\": \"up\"\n}\n```"

	out := ExtractJSON(content)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "25", parsed["limit"])
	assert.Equal(t, "up", parsed["direction"])
}

func TestExtractJSONPreservesURLsInStrings(t *testing.T) {
	content := `{"endpoint": "https://www.ebi.ac.uk/rdf/services/sparql"}`

	out := ExtractJSON(content)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "https://www.ebi.ac.uk/rdf/services/sparql", parsed["endpoint"])
}

func TestExtractJSONRemovesTrailingCommas(t *testing.T) {
	content := "{\n  \"genes\": [\"TP53\",],\n  \"drug\": \"imatinib\",\n}"

	out := ExtractJSON(content)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "imatinib", parsed["drug"])
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Empty(t, ExtractJSON("I could not determine any slots for that question."))
	assert.Empty(t, ExtractJSON(""))
}
