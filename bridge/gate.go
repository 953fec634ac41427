package bridge

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of requests in flight to one bridge. Waiters are
// admitted in the order they arrived.
type Gate struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
}

func NewGate(size int) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Do runs task once a slot is free. The task's error is returned as is and
// has no effect on other tasks. Do only fails on its own when ctx is done
// before a slot became available.
func (g *Gate) Do(ctx context.Context, task func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}()

	return task()
}

func (g *Gate) Size() int { return g.size }

// InFlight returns the number of tasks currently running.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }
