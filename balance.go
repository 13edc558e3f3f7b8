// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Selector picks the connection group for a call. tried lists endpoints a
// retry wrapper already used and may be nil. It returns nil when nothing
// is eligible.
type Selector interface {
	Select(candidates []*ConnectionGroup, tried map[Endpoint]struct{}) *ConnectionGroup
}

// SelectMode names a built-in selection strategy
type SelectMode int

const (
	RandomSelect SelectMode = iota
	RoundRobinSelect
	FairSelect
)

// NewSelector returns the built-in selector for mode.
func NewSelector(mode SelectMode) (Selector, error) {
	switch mode {
	case RandomSelect:
		return RandomSelector{}, nil
	case RoundRobinSelect:
		return &RoundRobinSelector{}, nil
	case FairSelect:
		return FairSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported select mode %d", mode)
	}
}

func eligible(candidates []*ConnectionGroup, tried map[Endpoint]struct{}) []*ConnectionGroup {
	if len(tried) == 0 {
		return candidates
	}
	out := make([]*ConnectionGroup, 0, len(candidates))
	for _, g := range candidates {
		if _, ok := tried[g.Endpoint()]; !ok {
			out = append(out, g)
		}
	}
	return out
}

// RandomSelector picks uniformly at random.
type RandomSelector struct{}

func (RandomSelector) Select(candidates []*ConnectionGroup, tried map[Endpoint]struct{}) *ConnectionGroup {
	c := eligible(candidates, tried)
	if len(c) == 0 {
		return nil
	}
	return c[rand.IntN(len(c))]
}

// RoundRobinSelector cycles through candidates. The candidate list may
// change between calls, so the cursor is taken modulo its length.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Select(candidates []*ConnectionGroup, tried map[Endpoint]struct{}) *ConnectionGroup {
	c := eligible(candidates, tried)
	if len(c) == 0 {
		return nil
	}
	i := s.next.Add(1) - 1
	return c[i%uint64(len(c))]
}

// FairSelector picks at random, weighting each group by the inverse of its
// mean recent latency and lifetime failure count.
type FairSelector struct{}

func (FairSelector) Select(candidates []*ConnectionGroup, tried map[Endpoint]struct{}) *ConnectionGroup {
	c := eligible(candidates, tried)
	if len(c) == 0 {
		return nil
	}
	weights := make([]float64, len(c))
	var total float64
	for i, g := range c {
		weights[i] = fairWeight(g)
		total += weights[i]
	}
	pick := rand.Float64() * total
	for i, w := range weights {
		if pick < w {
			return c[i]
		}
		pick -= w
	}
	return c[len(c)-1]
}

func fairWeight(g *ConnectionGroup) float64 {
	latency := float64(g.MeanLatency()+time.Millisecond) / float64(time.Millisecond)
	return 1 / (latency * float64(1+g.Failures()))
}
