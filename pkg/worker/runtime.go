// Package worker runs the dispatch loop: it binds one or two queue
// environments, drains them on realtime events and on a fallback poll,
// and serves the operational HTTP endpoints.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stillwave-audio/renderworker/pkg/job"
)

const (
	// DefaultPollInterval is the fallback drain period when realtime
	// events are missed or the subscription is down.
	DefaultPollInterval = 5 * time.Minute

	// DefaultMaxJobsPerCycle bounds how many jobs one activation drains.
	DefaultMaxJobsPerCycle = 5
)

// EnvQueue is the queue surface the dispatch loop needs.
type EnvQueue interface {
	DequeueOne(ctx context.Context) (*job.Job, error)
	Environment() string
}

// JobRunner renders one claimed job to a terminal outcome.
type JobRunner interface {
	Run(ctx context.Context, j *job.Job) error
}

// Subscription is a closable realtime channel.
type Subscription interface {
	Close()
}

// SubscribeFunc opens a realtime insert subscription. Nil disables
// realtime for an environment; the fallback poll still drains it.
type SubscribeFunc func(ctx context.Context, onInsert func()) (Subscription, error)

// EnvBinding wires one environment into the runtime.
type EnvBinding struct {
	Queue     EnvQueue
	Runner    JobRunner
	Subscribe SubscribeFunc
}

// envState is the per-environment dispatch state. isProcessing
// serializes jobs within the environment; the counters feed /health and
// /metrics.
type envState struct {
	name      string
	queue     EnvQueue
	runner    JobRunner
	subscribe SubscribeFunc

	isProcessing   atomic.Bool
	totalProcessed atomic.Int64
	totalFailed    atomic.Int64

	mu        sync.Mutex
	lastPoll  time.Time
	lastError string
}

// EnvStatus is the health snapshot of one environment.
type EnvStatus struct {
	Enabled        bool      `json:"enabled"`
	IsProcessing   bool      `json:"isProcessing"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalFailed    int64     `json:"totalFailed"`
	LastPoll       time.Time `json:"lastPoll"`
	LastError      string    `json:"lastError,omitempty"`
}

// Runtime drains the bound environments, PROD before DEV, so prod
// traffic cannot be starved.
type Runtime struct {
	envs    []*envState
	logger  *log.Logger
	metrics *Metrics

	pollInterval    time.Duration
	maxJobsPerCycle int
	startedAt       time.Time

	wg sync.WaitGroup
}

// Option adjusts runtime construction.
type Option func(*Runtime)

// WithPollInterval overrides the fallback poll period.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithMaxJobsPerCycle overrides the per-activation drain bound.
func WithMaxJobsPerCycle(n int) Option {
	return func(r *Runtime) { r.maxJobsPerCycle = n }
}

// WithMetrics attaches a metric set.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// NewRuntime constructs a runtime over the given bindings. Binding order
// is drain order; pass PROD first.
func NewRuntime(bindings []EnvBinding, logger *log.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = log.Default()
	}

	r := &Runtime{
		logger:          logger.WithPrefix("worker"),
		pollInterval:    DefaultPollInterval,
		maxJobsPerCycle: DefaultMaxJobsPerCycle,
		startedAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, b := range bindings {
		r.envs = append(r.envs, &envState{
			name:      b.Queue.Environment(),
			queue:     b.Queue,
			runner:    b.Runner,
			subscribe: b.Subscribe,
		})
	}
	return r
}

// StartedAt returns the process start time used for uptime reporting.
func (r *Runtime) StartedAt() time.Time {
	return r.startedAt
}

// Status snapshots every environment for /health.
func (r *Runtime) Status() map[string]EnvStatus {
	out := make(map[string]EnvStatus, len(r.envs))
	for _, env := range r.envs {
		env.mu.Lock()
		lastPoll, lastError := env.lastPoll, env.lastError
		env.mu.Unlock()

		out[env.name] = EnvStatus{
			Enabled:        true,
			IsProcessing:   env.isProcessing.Load(),
			TotalProcessed: env.totalProcessed.Load(),
			TotalFailed:    env.totalFailed.Load(),
			LastPoll:       lastPoll,
			LastError:      lastError,
		}
	}
	return out
}

// Run drives the dispatch loop until ctx is canceled: one startup drain,
// realtime-triggered drains, and the fallback poll. In-flight jobs are
// not interrupted by cancellation; Run returns after they finish.
func (r *Runtime) Run(ctx context.Context) error {
	var subs []Subscription
	for _, env := range r.envs {
		if env.subscribe == nil {
			continue
		}
		env := env
		sub, err := env.subscribe(ctx, func() {
			r.process(ctx, env)
		})
		if err != nil {
			r.logger.Warn("realtime unavailable, relying on poll", "env", env.name, "err", err)
			continue
		}
		subs = append(subs, sub)
		r.logger.Info("realtime active", "env", env.name)
	}

	// Drain backlog accumulated while the worker was down.
	r.processAll(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, sub := range subs {
				sub.Close()
			}
			r.wg.Wait()
			r.logger.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
			r.processAll(ctx)
		}
	}
}

// processAll drains every environment in binding order.
func (r *Runtime) processAll(ctx context.Context) {
	for _, env := range r.envs {
		r.process(ctx, env)
	}
}

// process drains up to maxJobsPerCycle jobs from one environment. The
// isProcessing guard keeps one job in flight per environment; concurrent
// activations collapse into the running drain.
func (r *Runtime) process(ctx context.Context, env *envState) {
	if ctx.Err() != nil {
		return
	}
	if !env.isProcessing.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()
	defer env.isProcessing.Store(false)

	env.mu.Lock()
	env.lastPoll = time.Now()
	env.mu.Unlock()
	r.metrics.observePoll(env.name)

	// A claimed job runs to its terminal state even through shutdown;
	// only the dequeue of further jobs observes cancellation.
	jobCtx := context.WithoutCancel(ctx)

	for n := 0; n < r.maxJobsPerCycle; n++ {
		if ctx.Err() != nil {
			return
		}

		j, err := env.queue.DequeueOne(ctx)
		if err != nil {
			r.logger.Warn("dequeue failed", "env", env.name, "err", err)
			env.setLastError(err)
			return
		}
		if j == nil {
			return
		}

		start := time.Now()
		runErr := env.runner.Run(jobCtx, j)
		elapsed := time.Since(start)

		if runErr != nil {
			env.totalFailed.Add(1)
			env.setLastError(runErr)
		} else {
			env.totalProcessed.Add(1)
		}
		r.metrics.observeJob(env.name, elapsed, runErr != nil)
		r.logger.Info("job finished",
			"env", env.name, "job", j.ID, "elapsed", elapsed, "failed", runErr != nil)
	}
}

func (e *envState) setLastError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}
