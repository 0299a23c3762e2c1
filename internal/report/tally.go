// Package report collects per-stage error tallies and renders end-of-run summaries.
package report

import (
	"sort"
	"sync"
)

// Tally counts per-row outcomes and error categories for one stage run.
// Errors also track the products and credited dates they occurred on so the
// summary can name the top offenders. Safe for concurrent use.
type Tally struct {
	mu       sync.Mutex
	stage    string
	pairs    int
	outcomes map[string]int
	errors   map[string]int
	products map[string]map[string]int
	dates    map[string]map[string]int
}

// NewTally creates an empty tally for stage.
func NewTally(stage string) *Tally {
	return &Tally{
		stage:    stage,
		outcomes: make(map[string]int),
		errors:   make(map[string]int),
		products: make(map[string]map[string]int),
		dates:    make(map[string]map[string]int),
	}
}

// Stage returns the stage name.
func (t *Tally) Stage() string { return t.stage }

// SetPairs records how many pairs the stage processed.
func (t *Tally) SetPairs(n int) {
	t.mu.Lock()
	t.pairs = n
	t.mu.Unlock()
}

// Pairs returns the number of pairs processed.
func (t *Tally) Pairs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pairs
}

// Observe counts a non-error outcome.
func (t *Tally) Observe(outcome string) {
	t.mu.Lock()
	t.outcomes[outcome]++
	t.mu.Unlock()
}

// Add counts an error category for a pair on product, credited on date.
// Empty product or date are not tracked as offenders.
func (t *Tally) Add(category, product, date string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors[category]++
	if product != "" {
		bump(t.products, category, product)
	}
	if date != "" {
		bump(t.dates, category, date)
	}
}

func bump(m map[string]map[string]int, category, key string) {
	inner, ok := m[category]
	if !ok {
		inner = make(map[string]int)
		m[category] = inner
	}
	inner[key]++
}

// Errors returns the count for an error category.
func (t *Tally) Errors(category string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errors[category]
}

// Outcomes returns the count for an outcome.
func (t *Tally) Outcomes(outcome string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcomes[outcome]
}

// TotalErrors sums every error category.
func (t *Tally) TotalErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.errors {
		total += n
	}
	return total
}

// Total sums every outcome and error category.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.outcomes {
		total += n
	}
	for _, n := range t.errors {
		total += n
	}
	return total
}

// Merge adds every count of o into t. Pairs are summed.
func (t *Tally) Merge(o *Tally) {
	if o == nil || o == t {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairs += o.pairs
	for k, v := range o.outcomes {
		t.outcomes[k] += v
	}
	for k, v := range o.errors {
		t.errors[k] += v
	}
	mergeNested(t.products, o.products)
	mergeNested(t.dates, o.dates)
}

func mergeNested(dst, src map[string]map[string]int) {
	for cat, inner := range src {
		for k, v := range inner {
			if dst[cat] == nil {
				dst[cat] = make(map[string]int)
			}
			dst[cat][k] += v
		}
	}
}

// Count is a named counter.
type Count struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// Category is one error category with its top offenders.
type Category struct {
	Name        string  `json:"name" yaml:"name"`
	Count       int     `json:"count" yaml:"count"`
	TopProducts []Count `json:"top_products,omitempty" yaml:"top_products,omitempty"`
	TopDates    []Count `json:"top_dates,omitempty" yaml:"top_dates,omitempty"`
}

// Summary is the rendered view of a tally.
type Summary struct {
	Stage    string     `json:"stage" yaml:"stage"`
	Pairs    int        `json:"pairs" yaml:"pairs"`
	Outcomes []Count    `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Errors   []Category `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Summary builds a deterministic summary keeping topN offenders per category.
func (t *Tally) Summary(topN int) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{Stage: t.stage, Pairs: t.pairs, Outcomes: sortedCounts(t.outcomes, 0)}
	for _, c := range sortedCounts(t.errors, 0) {
		s.Errors = append(s.Errors, Category{
			Name:        c.Name,
			Count:       c.Count,
			TopProducts: sortedCounts(t.products[c.Name], topN),
			TopDates:    sortedCounts(t.dates[c.Name], topN),
		})
	}
	return s
}

// Metadata flattens the tally for the run log.
func (t *Tally) Metadata() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcomes := make(map[string]int, len(t.outcomes))
	for k, v := range t.outcomes {
		outcomes[k] = v
	}
	errs := make(map[string]int, len(t.errors))
	for k, v := range t.errors {
		errs[k] = v
	}
	return map[string]any{"pairs": t.pairs, "outcomes": outcomes, "errors": errs}
}

// sortedCounts orders by count descending then name; limit <= 0 keeps all.
func sortedCounts(m map[string]int, limit int) []Count {
	if len(m) == 0 {
		return nil
	}
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Name: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
