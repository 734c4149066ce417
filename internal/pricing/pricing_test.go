package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/pricing"
)

const testTable = `
models:
  - provider: anthropic
    model: claude-sonnet-4
    input_per_mtok_micros: 3000000
    output_per_mtok_micros: 15000000
    max_output_tokens: 1000
  - provider: openai
    model: tiny
    input_per_mtok_micros: 1
    output_per_mtok_micros: 1
    max_output_tokens: 10
`

func table(t *testing.T) *pricing.Table {
	t.Helper()
	tbl, err := pricing.Parse([]byte(testTable))
	require.NoError(t, err)
	return tbl
}

func TestMaxCost_ModelMaximum(t *testing.T) {
	// 2000 input * 3 + 1000 output * 15 = 6000 + 15000 micros.
	got, err := table(t).MaxCost("anthropic", "claude-sonnet-4", 2000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(21000), got)
}

func TestMaxCost_CallerCap(t *testing.T) {
	capped := 100
	got, err := table(t).MaxCost("anthropic", "claude-sonnet-4", 2000, &capped)
	require.NoError(t, err)
	assert.Equal(t, int64(6000+1500), got)

	huge := 1_000_000
	got, err = table(t).MaxCost("anthropic", "claude-sonnet-4", 0, &huge)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), got, "cap above model maximum is clamped")
}

func TestMaxCost_BoundsActualCost(t *testing.T) {
	tbl := table(t)
	capped := 500
	maxCost, err := tbl.MaxCost("anthropic", "claude-sonnet-4", 1234, &capped)
	require.NoError(t, err)
	for _, out := range []int{0, 1, 250, 499, 500} {
		actual, err := tbl.ActualCost("anthropic", "claude-sonnet-4", 1234, out)
		require.NoError(t, err)
		assert.LessOrEqual(t, actual, maxCost)
	}
}

func TestActualCost_RoundsUp(t *testing.T) {
	got, err := table(t).ActualCost("openai", "tiny", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = table(t).ActualCost("openai", "tiny", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestLookup_CaseInsensitive(t *testing.T) {
	_, err := table(t).Lookup("Anthropic", "CLAUDE-SONNET-4")
	assert.NoError(t, err)
}

func TestUnknownModel(t *testing.T) {
	_, err := table(t).MaxCost("anthropic", "nope", 10, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNegativeTokens(t *testing.T) {
	_, err := table(t).ActualCost("openai", "tiny", -1, 0)
	assert.True(t, model.IsValidation(err))
	neg := -5
	_, err = table(t).MaxCost("openai", "tiny", 0, &neg)
	assert.True(t, model.IsValidation(err))
}

func TestParse_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"missing model":  "models:\n  - provider: a\n    max_output_tokens: 1\n",
		"zero max":       "models:\n  - provider: a\n    model: b\n",
		"negative price": "models:\n  - provider: a\n    model: b\n    max_output_tokens: 1\n    input_per_mtok_micros: -1\n",
		"duplicate":      "models:\n  - {provider: a, model: b, max_output_tokens: 1}\n  - {provider: A, model: B, max_output_tokens: 1}\n",
		"not yaml":       "models: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := pricing.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileWithEnv(t *testing.T) {
	t.Setenv("TEST_PRICE", "42")
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	doc := "models:\n  - {provider: p, model: m, input_per_mtok_micros: ${TEST_PRICE}000000, output_per_mtok_micros: 0, max_output_tokens: 1}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	tbl, err := pricing.Load(path)
	require.NoError(t, err)
	got, err := tbl.ActualCost("p", "m", 1_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000), got)
}

func TestDefaultTable(t *testing.T) {
	tbl, err := pricing.Load("")
	require.NoError(t, err)
	assert.Positive(t, tbl.Len())
	_, err = tbl.Lookup("anthropic", "claude-sonnet-4")
	assert.NoError(t, err)
}
