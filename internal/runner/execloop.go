package runner

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
)

// execState is the shared bookkeeping of one running job: a flat queue
// of flows and the aggregate stats the progress updates read.
type execState struct {
	mu      sync.Mutex
	queue   []model.Target
	next    int
	stats   protocol.JobStats
	updates func(targetID string, newFlowDone int)
}

func newExecState(desc protocol.JobDescriptor, updates func(string, int)) *execState {
	st := &execState{
		updates: updates,
	}
	for _, t := range desc.Targets {
		for range t.FlowTarget {
			st.queue = append(st.queue, t)
		}
	}
	st.stats.Total = len(st.queue)
	return st
}

// pop takes the next flow off the queue; ok is false once drained.
func (st *execState) pop() (model.Target, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.next >= len(st.queue) {
		return model.Target{}, false
	}
	t := st.queue[st.next]
	st.next++
	return t, true
}

// succeed records a finished flow and reports the job-level running
// total upstream, tagged with the target that advanced it. Only
// successes produce progress updates.
func (st *execState) succeed(targetID string, clicked bool) {
	st.mu.Lock()
	st.stats.Done++
	st.stats.Success++
	if clicked {
		st.stats.Clicks++
	}
	jobDone := st.stats.Done
	st.mu.Unlock()

	if st.updates != nil {
		st.updates(targetID, jobDone)
	}
}

func (st *execState) fail() {
	st.mu.Lock()
	st.stats.Done++
	st.stats.Fail++
	st.mu.Unlock()
}

func (st *execState) snapshot() protocol.JobStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

// executeJob drains the flow queue with instanceCount parallel workers
// until the queue empties, the stop channel closes or ctx ends. It
// returns the final stats regardless of how the loop ended.
func executeJob(ctx context.Context, exec FlowExecutor, desc protocol.JobDescriptor, stop <-chan struct{}, updates func(string, int)) protocol.JobStats {
	st := newExecState(desc, updates)

	workers := desc.Settings.InstanceCount
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			worker(ctx, exec, desc, st, stop)
			return nil
		})
	}
	_ = g.Wait()
	return st.snapshot()
}

func worker(ctx context.Context, exec FlowExecutor, desc protocol.JobDescriptor, st *execState, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		target, ok := st.pop()
		if !ok {
			return
		}

		flow := Flow{
			JobID:    desc.JobID,
			Target:   target,
			Proxy:    pickProxy(desc.Proxies),
			Platform: pickPlatform(desc.Platforms),
			Settings: desc.Settings,
		}
		res, err := exec.Execute(ctx, flow)
		if err != nil {
			st.fail()
		} else {
			st.succeed(target.ID, res.Clicked)
		}

		if !sleepRange(ctx, stop, desc.Settings.DelayBetweenFlows) {
			return
		}
	}
}

func pickProxy(proxies []model.Proxy) *model.Proxy {
	if len(proxies) == 0 {
		return nil
	}
	p := proxies[rand.IntN(len(proxies))]
	return &p
}

func pickPlatform(platforms []model.Platform) *model.Platform {
	if len(platforms) == 0 {
		return nil
	}
	p := platforms[rand.IntN(len(platforms))]
	return &p
}

// sleepRange waits a uniformly random duration from the millisecond
// range, returning false when interrupted.
func sleepRange(ctx context.Context, stop <-chan struct{}, r model.Range) bool {
	ms := r.Min
	if r.Max > r.Min {
		ms += rand.IntN(r.Max - r.Min + 1)
	}
	if ms <= 0 {
		return true
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
