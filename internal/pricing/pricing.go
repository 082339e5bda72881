// Package pricing holds the static per-model price table and the cost
// calculator used by the budget enforcer to turn a usage triple into a
// dollar amount.
package pricing

import "sync"

// ModelPrice holds per-million-token prices in USD.
type ModelPrice struct {
	InputPerM       float64
	OutputPerM      float64
	CachedInputPerM float64 // 0 means no cached-token discount for this model
}

// Table is a process-wide model -> price mapping. Like the teacher's
// tokencount.Counter, it is a small type with a constructor and plain
// methods; entries may be added or overridden with Set, so reads and writes
// are guarded by an RWMutex.
type Table struct {
	prices map[string]ModelPrice
	mu     sync.RWMutex
}

// NewTable returns a Table seeded with the default built-in price list.
// Callers may add or override entries via Set (e.g. from admin config)
// before the table is shared across goroutines.
func NewTable() *Table {
	t := &Table{prices: make(map[string]ModelPrice, len(defaultPrices))}
	for model, p := range defaultPrices {
		t.prices[model] = p
	}
	return t
}

// Set registers or overrides the price for a model.
func (t *Table) Set(model string, p ModelPrice) {
	t.mu.Lock()
	t.prices[model] = p
	t.mu.Unlock()
}

// Lookup returns the price entry for a model and whether it was found.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	t.mu.RLock()
	p, ok := t.prices[model]
	t.mu.RUnlock()
	return p, ok
}

// Cost computes the USD cost of a completion. Unknown models cost 0; the
// caller is expected to log a warning in that case (see Calculator.Cost).
func (p ModelPrice) Cost(promptTokens, completionTokens, cachedTokens int) float64 {
	billablePrompt := promptTokens - cachedTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}
	cost := float64(billablePrompt) * p.InputPerM / 1e6
	cost += float64(cachedTokens) * p.CachedInputPerM / 1e6
	cost += float64(completionTokens) * p.OutputPerM / 1e6
	return cost
}

// Calculator computes request cost from a price table, tracking unknown
// models so the caller can log a warning exactly once per unknown model
// rather than once per request.
type Calculator struct {
	table *Table

	mu      sync.Mutex
	warned  map[string]bool
}

// NewCalculator returns a Calculator backed by table.
func NewCalculator(table *Table) *Calculator {
	return &Calculator{table: table, warned: make(map[string]bool)}
}

// Cost returns the dollar cost for the given model and token counts, and
// whether the model was found in the price table. shouldWarn is true only
// the first time an unknown model is seen, so callers can log once instead
// of once per request.
func (c *Calculator) Cost(model string, promptTokens, completionTokens, cachedTokens int) (cost float64, known, shouldWarn bool) {
	p, ok := c.table.Lookup(model)
	if ok {
		return p.Cost(promptTokens, completionTokens, cachedTokens), true, false
	}
	c.mu.Lock()
	shouldWarn = !c.warned[model]
	c.warned[model] = true
	c.mu.Unlock()
	return 0, false, shouldWarn
}

// defaultPrices is the built-in static table covering the providers gaud
// ships adapters for. Prices are illustrative per-million-token USD rates;
// operators override them via admin config for accuracy.
var defaultPrices = map[string]ModelPrice{
	"claude-opus-4":      {InputPerM: 15, OutputPerM: 75, CachedInputPerM: 1.5},
	"claude-sonnet-4":    {InputPerM: 3, OutputPerM: 15, CachedInputPerM: 0.3},
	"claude-haiku-4":     {InputPerM: 0.8, OutputPerM: 4, CachedInputPerM: 0.08},
	"gemini-2.5-pro":     {InputPerM: 1.25, OutputPerM: 10},
	"gemini-2.5-flash":   {InputPerM: 0.3, OutputPerM: 2.5},
	"gpt-4o":             {InputPerM: 2.5, OutputPerM: 10, CachedInputPerM: 1.25},
	"gpt-4o-mini":        {InputPerM: 0.15, OutputPerM: 0.6, CachedInputPerM: 0.075},
	"o1":                 {InputPerM: 15, OutputPerM: 60},
	"o3-mini":            {InputPerM: 1.1, OutputPerM: 4.4},
}
