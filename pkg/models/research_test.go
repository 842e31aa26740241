package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Mode
		ok       bool
	}{
		{name: "quick", input: "quick", expected: ModeQuick, ok: true},
		{name: "standard", input: "standard", expected: ModeStandard, ok: true},
		{name: "deep", input: "deep", expected: ModeDeep, ok: true},
		{name: "empty defaults to standard", input: "", expected: ModeStandard, ok: true},
		{name: "unknown rejected", input: "turbo", expected: "", ok: false},
		{name: "case sensitive", input: "Quick", expected: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, ok := ParseMode(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestTokenUsage_Add(t *testing.T) {
	total := TokenUsage{}
	total.Add(TokenUsage{Input: 100, Output: 20, Total: 120})
	total.Add(TokenUsage{Input: 30, Output: 10, Total: 40})

	assert.Equal(t, int64(130), total.Input)
	assert.Equal(t, int64(30), total.Output)
	assert.Equal(t, int64(160), total.Total)
}

func TestJSONMap_ScanValue(t *testing.T) {
	m := JSONMap{"sourcesFound": 5, "skipped": false}

	v, err := m.Value()
	require.NoError(t, err)

	var got JSONMap
	require.NoError(t, got.Scan(v))
	assert.Equal(t, float64(5), got["sourcesFound"])
	assert.Equal(t, false, got["skipped"])
}

func TestJSONMap_ScanNil(t *testing.T) {
	var got JSONMap
	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)
}

func TestCitations_NilStoresEmptyArray(t *testing.T) {
	var c Citations

	v, err := c.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)
}

func TestCitations_ScanValue(t *testing.T) {
	c := Citations{
		{ID: 1, Title: "First", URL: "https://a.example", Relevance: 0.92},
		{ID: 2, Title: "Second", URL: "https://b.example", Relevance: 0.5},
	}

	v, err := c.Value()
	require.NoError(t, err)

	var got Citations
	require.NoError(t, got.Scan(v))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, "https://b.example", got[1].URL)
	assert.InDelta(t, 0.92, got[0].Relevance, 1e-9)
}
