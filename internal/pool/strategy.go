package pool

import (
	"math/rand/v2"
)

// Strategy picks one runner among the eligible candidates. Pick is
// called with at least one candidate and under the pool lock, so
// implementations may keep unguarded state.
type Strategy interface {
	Name() string
	Pick(candidates []*Runner) *Runner
}

// Random spreads load uniformly; the default.
type Random struct{}

func NewRandom() Random {
	return Random{}
}

func (Random) Name() string {
	return "random"
}

func (Random) Pick(candidates []*Runner) *Runner {
	return candidates[rand.IntN(len(candidates))]
}

// RoundRobin cycles through candidates in arrival order.
type RoundRobin struct {
	next int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (*RoundRobin) Name() string {
	return "roundrobin"
}

func (s *RoundRobin) Pick(candidates []*Runner) *Runner {
	r := candidates[s.next%len(candidates)]
	s.next++
	return r
}

// LeastRecentlyUsed picks the runner that has been quiet the longest,
// favoring cold runners over ones that just finished a job.
type LeastRecentlyUsed struct{}

func NewLeastRecentlyUsed() LeastRecentlyUsed {
	return LeastRecentlyUsed{}
}

func (LeastRecentlyUsed) Name() string {
	return "lru"
}

func (LeastRecentlyUsed) Pick(candidates []*Runner) *Runner {
	oldest := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastSeen.Before(oldest.LastSeen) {
			oldest = c
		}
	}
	return oldest
}

// StrategyByName resolves a config value; unknown names fall back to
// random.
func StrategyByName(name string) Strategy {
	switch name {
	case "roundrobin":
		return NewRoundRobin()
	case "lru":
		return NewLeastRecentlyUsed()
	default:
		return NewRandom()
	}
}
