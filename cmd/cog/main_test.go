package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	t.Parallel()
	input, err := parseInputs([]string{"text=giraffes", "n=3", "flag=true", "tags=[\"a\"]", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"text": "giraffes",
		"n":    float64(3),
		"flag": true,
		"tags": []any{"a"},
		"expr": "a=b",
	}, input)

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseInputs([]string{"=x"})
	assert.Error(t, err)
}
