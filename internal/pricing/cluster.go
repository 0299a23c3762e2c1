// Package pricing discovers price tiers from observed conversion prices and
// assigns every user/product pair a canonical price bucket.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ClusterConfig holds the merge thresholds and the match tolerance.
type ClusterConfig struct {
	// RelativeGap is the fraction of the higher bucket's max that a gap may span.
	RelativeGap decimal.Decimal
	// AbsoluteGap is the minimum gap that always merges.
	AbsoluteGap decimal.Decimal
	// Epsilon widens bucket bounds when matching a price.
	Epsilon decimal.Decimal
}

// DefaultClusterConfig returns the 17.5% / $5.00 / $0.01 thresholds.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		RelativeGap: decimal.RequireFromString("0.175"),
		AbsoluteGap: decimal.RequireFromString("5.00"),
		Epsilon:     decimal.RequireFromString("0.01"),
	}
}

// Bucket is one price tier. Prices are the distinct prices it absorbed, ascending.
type Bucket struct {
	Min    decimal.Decimal   `json:"min"`
	Max    decimal.Decimal   `json:"max"`
	Avg    decimal.Decimal   `json:"avg"`
	Prices []decimal.Decimal `json:"prices"`
}

// Buckets are ordered, non-overlapping tiers.
type Buckets []Bucket

// Cluster groups prices with the default thresholds.
func Cluster(prices []decimal.Decimal) Buckets {
	return DefaultClusterConfig().Cluster(prices)
}

// Cluster starts from one bucket per distinct price and repeatedly merges the
// adjacent pair with the smallest gap, as long as that gap is within
// max(RelativeGap x higher max, AbsoluteGap). Ties merge the leftmost pair.
func (c ClusterConfig) Cluster(prices []decimal.Decimal) Buckets {
	distinct := distinctSorted(prices)
	if len(distinct) == 0 {
		return nil
	}

	buckets := make(Buckets, len(distinct))
	for i, p := range distinct {
		buckets[i] = Bucket{Min: p, Max: p, Prices: []decimal.Decimal{p}}
	}

	for {
		best := -1
		var bestGap decimal.Decimal
		for i := 0; i+1 < len(buckets); i++ {
			gap := buckets[i+1].Min.Sub(buckets[i].Max)
			if gap.GreaterThan(c.threshold(buckets[i+1].Max)) {
				continue
			}
			if best < 0 || gap.LessThan(bestGap) {
				best, bestGap = i, gap
			}
		}
		if best < 0 {
			break
		}
		merged := Bucket{
			Min:    buckets[best].Min,
			Max:    buckets[best+1].Max,
			Prices: append(append([]decimal.Decimal{}, buckets[best].Prices...), buckets[best+1].Prices...),
		}
		buckets = append(buckets[:best+1], buckets[best+2:]...)
		buckets[best] = merged
	}

	for i := range buckets {
		buckets[i].Avg = decimal.Avg(buckets[i].Prices[0], buckets[i].Prices[1:]...).Round(4)
	}
	return buckets
}

func (c ClusterConfig) threshold(higherMax decimal.Decimal) decimal.Decimal {
	return decimal.Max(c.RelativeGap.Mul(higherMax), c.AbsoluteGap)
}

// Match returns the bucket whose bounds, widened by eps, contain price.
func (b Buckets) Match(price, eps decimal.Decimal) (Bucket, bool) {
	i := sort.Search(len(b), func(i int) bool {
		return b[i].Max.Add(eps).GreaterThanOrEqual(price)
	})
	if i < len(b) && b[i].Min.Sub(eps).LessThanOrEqual(price) {
		return b[i], true
	}
	return Bucket{}, false
}

func distinctSorted(prices []decimal.Decimal) []decimal.Decimal {
	sorted := append([]decimal.Decimal{}, prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	out := sorted[:0]
	for i, p := range sorted {
		if i == 0 || !p.Equal(out[len(out)-1]) {
			out = append(out, p)
		}
	}
	return out
}
