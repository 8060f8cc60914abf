// Package weighers ranks the pools that passed filtering.
//
// Each weigher produces a raw weight per pool. Raw weights are min-max
// normalized to [0, 1] per weigher, scaled by the weigher's multiplier and
// summed. Pools are ranked by total weight, highest first, with ties broken
// by pool name.
package weighers

import (
	"math"
	"sort"

	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// Weigher computes raw weights.
type Weigher interface {
	Name() string

	// Weigh returns one raw weight per pool, in order. Weights may be
	// infinite; infinities are clamped just beyond the finite range before
	// normalization.
	Weigh(hosts []*host.State, props *share.FilterProperties) []float64
}

// Weighted pairs a weigher with its multiplier.
type Weighted struct {
	Weigher    Weigher
	Multiplier float64
}

// WeighedHost is a pool with its total weight.
type WeighedHost struct {
	Host   *host.State
	Weight float64
}

// Weigher names accepted by New.
const (
	Capacity = "CapacityWeigher"
	Goodness = "GoodnessWeigher"
)

// Defaults is the weigher list used when none is configured.
func Defaults() []string {
	return []string{Capacity, Goodness}
}

// New builds weighers by name. multipliers maps a weigher name to its
// multiplier; absent entries use 1.
func New(names []string, multipliers map[string]float64) ([]Weighted, error) {
	out := make([]Weighted, 0, len(names))
	for _, name := range names {
		m, ok := multipliers[name]
		if !ok {
			m = 1
		}
		var w Weigher
		switch name {
		case Capacity:
			w = CapacityWeigher{Multiplier: m}
		case Goodness:
			w = NewGoodnessWeigher()
		default:
			return nil, share.Errorf(share.KindInvalidInput, "unknown scheduler weigher %q", name)
		}
		out = append(out, Weighted{Weigher: w, Multiplier: m})
	}
	return out, nil
}

// Normalize maps weights onto [0, 1]. Infinite weights are first replaced
// with the finite minimum minus one or maximum plus one. Equal weights
// normalize to zero.
func Normalize(weights []float64) []float64 {
	out := make([]float64, len(weights))
	if len(weights) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, w := range weights {
		if math.IsInf(w, 0) || math.IsNaN(w) {
			continue
		}
		lo, hi = math.Min(lo, w), math.Max(hi, w)
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	clamped := make([]float64, len(weights))
	for i, w := range weights {
		switch {
		case math.IsInf(w, 1):
			clamped[i] = hi + 1
		case math.IsInf(w, -1), math.IsNaN(w):
			clamped[i] = lo - 1
		default:
			clamped[i] = w
		}
	}
	lo, hi = clamped[0], clamped[0]
	for _, w := range clamped {
		lo, hi = math.Min(lo, w), math.Max(hi, w)
	}
	if lo == hi {
		return out
	}
	for i, w := range clamped {
		out[i] = (w - lo) / (hi - lo)
	}
	return out
}

// Rank weighs hosts and returns them best first.
func Rank(hosts []*host.State, weighers []Weighted, props *share.FilterProperties) []WeighedHost {
	out := make([]WeighedHost, len(hosts))
	for i, h := range hosts {
		out[i] = WeighedHost{Host: h}
	}
	for _, w := range weighers {
		raw := w.Weigher.Weigh(hosts, props)
		for i, n := range Normalize(raw) {
			out[i].Weight += w.Multiplier * n
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Weight != out[b].Weight {
			return out[a].Weight > out[b].Weight
		}
		return out[a].Host.Name < out[b].Host.Name
	})
	return out
}
