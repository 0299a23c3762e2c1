package pricing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/revenue-engine/internal/model"
)

// GroupKey identifies the (country, product) market a conversion belongs to.
type GroupKey struct {
	Country   string
	ProductID string
}

// Conversion is a paid Trial converted or Initial purchase event.
type Conversion struct {
	UserID  string
	EventID int64
	Name    model.EventName
	Time    time.Time
	Price   decimal.Decimal
}

func conversionLess(a, b Conversion) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.EventID < b.EventID
}

type group struct {
	all        []Conversion // every conversion, time-sorted
	converted  []Conversion // Trial converted only, time-sorted
	convertedB Buckets
	purchaseB  Buckets
}

func (g *group) buckets(name model.EventName) Buckets {
	if name == model.EventInitialPurchase {
		return g.purchaseB
	}
	return g.convertedB
}

// Index holds every conversion grouped by market with the bucket sets of
// each (market, event type). It is read-only once built.
type Index struct {
	cfg    ClusterConfig
	groups map[GroupKey]*group
}

// BuildIndex groups the conversions of every pair and clusters each
// (market, event type) price set. Clustering runs concurrently with at most
// workers goroutines and finishes before BuildIndex returns.
func BuildIndex(ctx context.Context, cfg ClusterConfig, pairs []PairEvents, workers int) (*Index, error) {
	idx := &Index{cfg: cfg, groups: make(map[GroupKey]*group)}
	for _, p := range pairs {
		gk := GroupKey{Country: p.Country, ProductID: p.ProductID}
		for _, ev := range p.Events {
			if !ev.Name.IsConversion() || !ev.Revenue.IsPositive() {
				continue
			}
			g, ok := idx.groups[gk]
			if !ok {
				g = &group{}
				idx.groups[gk] = g
			}
			c := Conversion{UserID: p.UserID, EventID: ev.ID, Name: ev.Name, Time: ev.Time, Price: ev.Revenue}
			g.all = append(g.all, c)
			if ev.Name == model.EventTrialConverted {
				g.converted = append(g.converted, c)
			}
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for _, g := range idx.groups {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sort.Slice(g.all, func(i, j int) bool { return conversionLess(g.all[i], g.all[j]) })
			sort.Slice(g.converted, func(i, j int) bool { return conversionLess(g.converted[i], g.converted[j]) })

			var converted, purchased []decimal.Decimal
			for _, c := range g.all {
				if c.Name == model.EventInitialPurchase {
					purchased = append(purchased, c.Price)
				} else {
					converted = append(converted, c.Price)
				}
			}
			g.convertedB = cfg.Cluster(converted)
			g.purchaseB = cfg.Cluster(purchased)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Buckets returns the bucket set of a market and event type.
func (idx *Index) Buckets(gk GroupKey, name model.EventName) Buckets {
	g, ok := idx.groups[gk]
	if !ok {
		return nil
	}
	return g.buckets(name)
}

// BucketFor maps a conversion price into its bucket and returns the bucket average.
func (idx *Index) BucketFor(gk GroupKey, name model.EventName, price decimal.Decimal) (decimal.Decimal, bool) {
	b, ok := idx.Buckets(gk, name).Match(price, idx.cfg.Epsilon)
	if !ok {
		return decimal.Zero, false
	}
	return b.Avg, true
}

// PriorConverted returns the most recent Trial converted in the market
// strictly before t.
func (idx *Index) PriorConverted(gk GroupKey, t time.Time) (Conversion, bool) {
	g, ok := idx.groups[gk]
	if !ok {
		return Conversion{}, false
	}
	i := sort.Search(len(g.converted), func(i int) bool {
		return !g.converted[i].Time.Before(t)
	})
	if i == 0 {
		return Conversion{}, false
	}
	return g.converted[i-1], true
}

// Closest returns the conversion of any type in the market nearest to t.
// Ties go to the earlier conversion, then the lower user id.
func (idx *Index) Closest(gk GroupKey, t time.Time) (Conversion, bool) {
	g, ok := idx.groups[gk]
	if !ok || len(g.all) == 0 {
		return Conversion{}, false
	}
	best := -1
	var bestDist time.Duration
	for i, c := range g.all {
		d := c.Time.Sub(t)
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return g.all[best], true
}
