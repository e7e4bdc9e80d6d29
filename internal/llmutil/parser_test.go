// File: internal/llmutil/parser_test.go
package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Succeeded  bool    `json:"succeeded"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func TestParseJSONResponsePlainObject(t *testing.T) {
	out, err := ParseJSONResponse[verdict](`{"succeeded": true, "confidence": 0.9, "reason": "ok"}`)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, 0.9, out.Confidence)
}

func TestParseJSONResponseMarkdownFence(t *testing.T) {
	response := "```json\n{\"succeeded\": false, \"confidence\": 0.4, \"reason\": \"nope\"}\n```"
	out, err := ParseJSONResponse[verdict](response)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Equal(t, "nope", out.Reason)
}

func TestParseJSONResponseBareFence(t *testing.T) {
	response := "```\n{\"succeeded\": true, \"confidence\": 1, \"reason\": \"r\"}\n```"
	out, err := ParseJSONResponse[verdict](response)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
}

func TestParseJSONResponseConversationalPreamble(t *testing.T) {
	response := `Sure! Here is the verdict you asked for:
{"succeeded": true, "confidence": 0.8, "reason": "looks right"}
Let me know if you need anything else.`
	out, err := ParseJSONResponse[verdict](response)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "looks right", out.Reason)
}

func TestParseJSONResponseArray(t *testing.T) {
	response := "```json\n[{\"succeeded\": true, \"confidence\": 1, \"reason\": \"a\"}]\n```"
	out, err := ParseJSONResponse[[]verdict](response)
	require.NoError(t, err)
	require.Len(t, *out, 1)
	assert.Equal(t, "a", (*out)[0].Reason)
}

func TestParseJSONResponseErrors(t *testing.T) {
	_, err := ParseJSONResponse[verdict]("")
	assert.Error(t, err, "empty response")

	_, err = ParseJSONResponse[verdict]("the page looks fine to me")
	assert.Error(t, err, "no JSON at all")

	_, err = ParseJSONResponse[verdict](`{"succeeded": tru`)
	assert.Error(t, err, "truncated JSON")
}
