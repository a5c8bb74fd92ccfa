package worker

import (
	"context"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/task"
)

// pollSettings tune the adaptive receive loop.
type pollSettings struct {
	timeout    time.Duration
	minSleep   time.Duration
	maxSleep   time.Duration
	errorPause time.Duration
	factor     float64
}

// processFunc handles one received message and reports whether it counted
// as work.
type processFunc func(ctx context.Context, queueName string, msg *task.Message) bool

// pollQueues receives from queues round-robin until ctx is done. A pass that
// found work resets the idle sleep to minSleep; an empty pass sleeps, then
// grows the sleep by factor up to maxSleep. Receive errors pause for
// errorPause and never end the loop.
func pollQueues(
	ctx context.Context,
	q queue.Queue,
	queues []string,
	ps pollSettings,
	sleep func(context.Context, time.Duration) error,
	logger observe.Logger,
	process processFunc,
) {
	interval := ps.minSleep
	for ctx.Err() == nil {
		worked := false
		for _, name := range queues {
			if ctx.Err() != nil {
				return
			}
			msg, err := q.ReceiveTask(ctx, name, ps.timeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(ctx, "receive failed", observe.F("queue", name), observe.Err(err))
				_ = sleep(ctx, ps.errorPause)
				continue
			}
			if msg == nil {
				continue
			}
			if process(ctx, name, msg) {
				worked = true
			}
		}

		if worked {
			interval = ps.minSleep
			continue
		}
		if err := sleep(ctx, interval); err != nil {
			return
		}
		interval = min(time.Duration(float64(interval)*ps.factor), ps.maxSleep)
	}
}
