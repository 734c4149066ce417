// Package pricing converts token counts into integer micro-unit costs using a
// per-model price table loaded from YAML.
package pricing

import (
	_ "embed"
	"fmt"
	"math"
	"math/bits"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/ironpanel/internal/model"
)

//go:embed default.yaml
var defaultTable []byte

const tokensPerUnit = 1_000_000

// Entry prices one provider model.
type Entry struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model"`
	InputPerMTokMicros  int64  `yaml:"input_per_mtok_micros"`
	OutputPerMTokMicros int64  `yaml:"output_per_mtok_micros"`
	MaxOutputTokens     int    `yaml:"max_output_tokens"`
}

type file struct {
	Models []Entry `yaml:"models"`
}

// Table is an immutable price lookup keyed by provider and model.
type Table struct {
	entries map[string]Entry
}

// Default returns the table built into the binary.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Load reads a YAML price table, expanding environment variables first.
// An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("pricing: read table: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse builds a Table from YAML bytes.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse table: %w", err)
	}
	t := &Table{entries: make(map[string]Entry, len(f.Models))}
	for i, e := range f.Models {
		switch {
		case e.Provider == "" || e.Model == "":
			return nil, fmt.Errorf("pricing: entry %d: provider and model are required", i)
		case e.InputPerMTokMicros < 0 || e.OutputPerMTokMicros < 0:
			return nil, fmt.Errorf("pricing: %s/%s: prices must be non-negative", e.Provider, e.Model)
		case e.MaxOutputTokens <= 0:
			return nil, fmt.Errorf("pricing: %s/%s: max_output_tokens must be positive", e.Provider, e.Model)
		}
		k := key(e.Provider, e.Model)
		if _, dup := t.entries[k]; dup {
			return nil, fmt.Errorf("pricing: duplicate entry %s/%s", e.Provider, e.Model)
		}
		t.entries[k] = e
	}
	return t, nil
}

func key(provider, modelName string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(modelName)
}

// Lookup returns the entry for provider and modelName.
func (t *Table) Lookup(provider, modelName string) (Entry, error) {
	e, ok := t.entries[key(provider, modelName)]
	if !ok {
		return Entry{}, fmt.Errorf("pricing: %s/%s: %w", provider, modelName, model.ErrNotFound)
	}
	return e, nil
}

// Len reports the number of priced models.
func (t *Table) Len() int { return len(t.entries) }

// MaxCost is the worst-case cost of a request: input priced as given and
// output priced at maxOutput when set, otherwise at the model maximum. A
// cap above the model maximum is clamped to it. Rounds up.
func (t *Table) MaxCost(provider, modelName string, inputTokens int, maxOutput *int) (int64, error) {
	e, err := t.Lookup(provider, modelName)
	if err != nil {
		return 0, err
	}
	out := e.MaxOutputTokens
	if maxOutput != nil {
		if *maxOutput < 0 {
			return 0, model.NewValidationError("max_output_tokens", "must be non-negative")
		}
		out = min(*maxOutput, e.MaxOutputTokens)
	}
	return cost(e, inputTokens, out)
}

// ActualCost prices a completed request. Rounds up.
func (t *Table) ActualCost(provider, modelName string, inputTokens, outputTokens int) (int64, error) {
	e, err := t.Lookup(provider, modelName)
	if err != nil {
		return 0, err
	}
	return cost(e, inputTokens, outputTokens)
}

func cost(e Entry, inputTokens, outputTokens int) (int64, error) {
	if inputTokens < 0 {
		return 0, model.NewValidationError("input_tokens", "must be non-negative")
	}
	if outputTokens < 0 {
		return 0, model.NewValidationError("output_tokens", "must be non-negative")
	}
	in, ok1 := mulU(uint64(inputTokens), uint64(e.InputPerMTokMicros))
	out, ok2 := mulU(uint64(outputTokens), uint64(e.OutputPerMTokMicros))
	sum, carry := bits.Add64(in, out, 0)
	if !ok1 || !ok2 || carry != 0 {
		return 0, fmt.Errorf("pricing: %s/%s: cost overflows", e.Provider, e.Model)
	}
	micros := sum / tokensPerUnit
	if sum%tokensPerUnit != 0 {
		micros++
	}
	if micros > math.MaxInt64 {
		return 0, fmt.Errorf("pricing: %s/%s: cost overflows", e.Provider, e.Model)
	}
	return int64(micros), nil
}

func mulU(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}
