// Package dispatcher runs a fixed pool of workers over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

// Runner is a worker loop; worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queue work out to its runners.
type Dispatcher struct {
	queue   crawler.Queue
	runners []Runner
}

// New creates a Dispatcher.
func New(queue crawler.Queue, runners ...Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		runners: runners,
	}
}

// Size returns the number of runners.
func (d *Dispatcher) Size() int {
	return len(d.runners)
}

// Run starts every runner and blocks until all of them return, which happens
// when ctx finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
