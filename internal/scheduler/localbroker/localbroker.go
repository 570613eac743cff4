// Package localbroker implements the in-process Broker (SPEC_FULL.md
// §4.6): a ticker-driven poll loop requiring no external task queue,
// modeled on the teacher's SQL-backed job worker pool. It is the broker
// of choice for tests and single-binary deployments; temporalbroker is
// the production implementation for multi-process deployments.
package localbroker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yivideo/orchestrator/internal/scheduler"
)

// LocalBroker drives one or more workflows to completion by repeatedly
// calling Scheduler.Tick on a fixed interval, the same polling shape as
// the teacher's job worker's runLoop, generalized from "poll a shared
// queue table" to "poll one workflow's Context until it is terminal."
type LocalBroker struct {
	Scheduler    *scheduler.Scheduler
	PollInterval time.Duration

	queue chan string
	once  sync.Once
	group *errgroup.Group
}

func New(sched *scheduler.Scheduler, pollInterval time.Duration) *LocalBroker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &LocalBroker{Scheduler: sched, PollInterval: pollInterval, queue: make(chan string, 256)}
}

// Run drives a single workflow synchronously until it reaches a terminal
// WorkflowStatus, ticking the Scheduler on PollInterval. This is the
// entry point tests use; Start/Enqueue below provide the worker-pool
// shape for a long-lived process handling many submissions concurrently.
func (b *LocalBroker) Run(ctx context.Context, workflowID string) error {
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		out, err := b.Scheduler.Tick(ctx, workflowID)
		if err != nil {
			return err
		}
		if out.Done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start launches concurrency worker goroutines, each pulling workflow ids
// off the internal queue and driving them with Run. Mirrors the teacher's
// Worker.Start(ctx) fan-out of runLoop goroutines bounded by a
// concurrency knob, here passed explicitly rather than read from env
// (the env lookup lives in internal/config, this package's caller).
func (b *LocalBroker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	b.group = g
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			b.runLoop(gctx)
			return nil
		})
	}
}

// Wait blocks until every worker goroutine launched by Start has returned
// (normally because its context was cancelled). Workers discard each
// workflow's Run error and always return nil, so Wait returns nil once
// they have all exited. Callers that never
// called Start get an immediate nil, since there is nothing to wait for.
func (b *LocalBroker) Wait() error {
	if b.group == nil {
		return nil
	}
	return b.group.Wait()
}

// Enqueue submits a workflow id for a Start'd pool of goroutines to pick
// up. Blocks if the internal queue is full, which back-pressures a
// caller faster than the pool can drain rather than dropping work.
func (b *LocalBroker) Enqueue(workflowID string) {
	b.queue <- workflowID
}

func (b *LocalBroker) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case workflowID := <-b.queue:
			_ = b.Run(ctx, workflowID)
		}
	}
}
