// Package asyncrunner runs submissions in a worker pool, and watches submitted things
// in a recurring monitor loop.
//
// Submitted or recovered states are handed to the monitor loop via a FIFO queue.
// The monitor loop owns the set of watched states; in each cycle, it polls every state
// in its own goroutine. A cycle waits for its polls until the next cycle is due, not longer:
// a state whose poll is still in flight is skipped by later cycles, and its result is merged
// when it arrives.
package asyncrunner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opst/jobrunner/pkg/loop"
	"github.com/opst/jobrunner/pkg/loop/recurring"
)

// Capability is what the runner drives.
type Capability[R any, S any] interface {
	// Submit R, and returns S to be watched.
	Submit(ctx context.Context, req R) (S, error)

	// PollOnce advances the state.
	//
	// It returns the next state to be watched, or nil when it should not be watched anymore.
	PollOnce(ctx context.Context, state S) *S
}

// Cycle reports a cycle of the monitor loop.
type Cycle struct {
	// number of states polled in the cycle.
	Polled int

	// number of states dropped in the cycle.
	Dropped int

	// number of states watched after the cycle, including InFlight.
	Watching int

	// number of polls not finished by the end of the cycle.
	InFlight int

	Elapsed time.Duration
}

type Runner[R any, S any] struct {
	logger      *log.Logger
	capability  Capability[R, S]
	workers     int
	interval    time.Duration
	pollTimeout time.Duration
	observer    func(Cycle)

	submissions *Queue[R]
	handoff     *Queue[S]
	results     *Queue[polled[S]]
	inflight    sync.WaitGroup
	lastId      uint64

	watchingM sync.RWMutex
	watching  []S
}

type Option func(*runnerConfig) *runnerConfig

type runnerConfig struct {
	workers     int
	interval    time.Duration
	pollTimeout time.Duration
	observer    func(Cycle)
}

// WithWorkers sets the number of submission workers. Default is 1.
func WithWorkers(n int) Option {
	return func(rc *runnerConfig) *runnerConfig {
		if 0 < n {
			rc.workers = n
		}
		return rc
	}
}

// WithInterval sets interval between monitor cycles. Default is 5 seconds.
func WithInterval(d time.Duration) Option {
	return func(rc *runnerConfig) *runnerConfig {
		rc.interval = d
		return rc
	}
}

// WithPollTimeout sets timeout of each poll. Default is 30 seconds.
func WithPollTimeout(d time.Duration) Option {
	return func(rc *runnerConfig) *runnerConfig {
		rc.pollTimeout = d
		return rc
	}
}

// WithObserver sets a function called after each monitor cycle.
func WithObserver(f func(Cycle)) Option {
	return func(rc *runnerConfig) *runnerConfig {
		rc.observer = f
		return rc
	}
}

func New[R any, S any](logger *log.Logger, capability Capability[R, S], options ...Option) *Runner[R, S] {
	rc := &runnerConfig{
		workers:     1,
		interval:    5 * time.Second,
		pollTimeout: 30 * time.Second,
		observer:    func(Cycle) {},
	}
	for _, opt := range options {
		rc = opt(rc)
	}

	return &Runner[R, S]{
		logger:      logger,
		capability:  capability,
		workers:     rc.workers,
		interval:    rc.interval,
		pollTimeout: rc.pollTimeout,
		observer:    rc.observer,
		submissions: NewQueue[R](),
		handoff:     NewQueue[S](),
		results:     NewQueue[polled[S]](),
	}
}

// Submit enqueues req. It is submitted by one of the workers.
func (r *Runner[R, S]) Submit(req R) {
	r.submissions.Push(req)
}

// Watch hands state to the monitor loop, without submitting.
func (r *Runner[R, S]) Watch(state S) {
	r.handoff.Push(state)
}

// Watching returns states watched at the end of the last cycle.
func (r *Runner[R, S]) Watching() []S {
	r.watchingM.RLock()
	defer r.watchingM.RUnlock()
	return append([]S{}, r.watching...)
}

// Pending is the number of requests waiting for workers.
func (r *Runner[R, S]) Pending() int {
	return r.submissions.Len()
}

// Start runs workers and the monitor loop until ctx is done.
//
// # Returns
//
// - error: the reason why ctx is done.
func (r *Runner[R, S]) Start(ctx context.Context) error {
	wg := new(sync.WaitGroup)
	for nth := 0; nth < r.workers; nth++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}

	_, err := loop.Start(
		ctx, []*watched[S]{},
		recurring.Task[[]*watched[S]](r.cycle).Applied(recurring.Forever(r.interval)),
		loop.Paced(),
	)
	wg.Wait()
	r.inflight.Wait()
	return err
}

func (r *Runner[R, S]) work(ctx context.Context) {
	for {
		req, err := r.submissions.Pop(ctx)
		if err != nil {
			return
		}
		state, err := r.submit(ctx, req)
		if err != nil {
			r.logger.Printf("submission failed: %+v", err)
			continue
		}
		r.handoff.Push(state)
	}
}

func (r *Runner[R, S]) submit(ctx context.Context, req R) (state S, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return r.capability.Submit(ctx, req)
}

// watched is a state in the monitor loop.
type watched[S any] struct {
	id      uint64
	state   S
	polling bool
}

// polled is a result of a poll. next is nil when the state should be dropped.
type polled[S any] struct {
	id   uint64
	next *S
}

// cycle polls watched states which are not being polled.
//
// It never says updated, so a cycle begins at every interval.
func (r *Runner[R, S]) cycle(ctx context.Context, ws []*watched[S]) ([]*watched[S], bool, error) {
	began := time.Now()
	for _, s := range r.handoff.Drain() {
		r.lastId += 1
		ws = append(ws, &watched[S]{id: r.lastId, state: s})
	}

	launched := new(sync.WaitGroup)
	polls := 0
	for _, w := range ws {
		if w.polling {
			continue
		}
		w.polling = true
		polls += 1
		launched.Add(1)
		r.inflight.Add(1)
		go func(id uint64, state S) {
			defer r.inflight.Done()
			defer launched.Done()
			r.results.Push(polled[S]{id: id, next: r.poll(ctx, state)})
		}(w.id, w.state)
	}

	done := make(chan struct{})
	go func() {
		launched.Wait()
		close(done)
	}()
	due := time.NewTimer(r.interval - time.Since(began))
	select {
	case <-done:
	case <-due.C:
	case <-ctx.Done():
	}
	due.Stop()

	results := map[uint64]*S{}
	for _, p := range r.results.Drain() {
		results[p.id] = p.next
	}

	kept := make([]*watched[S], 0, len(ws))
	dropped, inflight := 0, 0
	for _, w := range ws {
		next, ok := results[w.id]
		switch {
		case !ok:
			inflight += 1
			kept = append(kept, w)
		case next == nil:
			dropped += 1
		default:
			w.state = *next
			w.polling = false
			kept = append(kept, w)
		}
	}

	states := make([]S, 0, len(kept))
	for _, w := range kept {
		states = append(states, w.state)
	}
	r.watchingM.Lock()
	r.watching = states
	r.watchingM.Unlock()

	r.observer(Cycle{
		Polled:   polls,
		Dropped:  dropped,
		Watching: len(kept),
		InFlight: inflight,
		Elapsed:  time.Since(began),
	})
	return kept, false, nil
}

// poll advances state, keeping it when PollOnce panics.
func (r *Runner[R, S]) poll(ctx context.Context, state S) (next *S) {
	ctx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("poll panicked. it will be retried: %+v", p)
			next = &state
		}
	}()
	return r.capability.PollOnce(ctx, state)
}
