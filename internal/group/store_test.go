package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeProperties(t *testing.T) {
	base := map[string]any{"plan": "free", "country": "NZ"}
	wins := map[string]any{"plan": "pro", "seats": float64(10)}

	merged := mergeProperties(base, wins)
	assert.Equal(t, map[string]any{
		"plan":    "pro",
		"country": "NZ",
		"seats":   float64(10),
	}, merged)

	assert.Equal(t, "free", base["plan"], "inputs are never mutated")
	assert.NotContains(t, wins, "country")
}

func TestMergePropertiesEmptySides(t *testing.T) {
	assert.Empty(t, mergeProperties(nil, nil))
	assert.Equal(t, map[string]any{"a": 1}, mergeProperties(nil, map[string]any{"a": 1}))
	assert.Equal(t, map[string]any{"a": 1}, mergeProperties(map[string]any{"a": 1}, nil))
}
