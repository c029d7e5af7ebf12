package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	ShouldTerminate bool   `json:"should_terminate"`
	Reasoning       string `json:"reasoning"`
}

func TestDecodeTypedBareJSON(t *testing.T) {
	d, err := DecodeTyped[decision](`{"should_terminate": true, "reasoning": "done"}`)
	require.NoError(t, err)
	assert.True(t, d.ShouldTerminate)
	assert.Equal(t, "done", d.Reasoning)
}

func TestDecodeTypedFencedJSON(t *testing.T) {
	raw := "Here is my answer:\n```json\n{\"should_terminate\": false, \"reasoning\": \"keep going\"}\n```\nHope that helps."
	d, err := DecodeTyped[decision](raw)
	require.NoError(t, err)
	assert.False(t, d.ShouldTerminate)
	assert.Equal(t, "keep going", d.Reasoning)
}

func TestDecodeTypedSurroundingProse(t *testing.T) {
	raw := `Sure! {"should_terminate": true, "reasoning": "goal met"} as requested`
	d, err := DecodeTyped[decision](raw)
	require.NoError(t, err)
	assert.True(t, d.ShouldTerminate)
}

func TestDecodeTypedNoObject(t *testing.T) {
	_, err := DecodeTyped[decision]("I refuse to answer in JSON.")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeTypedBrokenJSON(t *testing.T) {
	_, err := DecodeTyped[decision](`{"should_terminate": maybe}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
