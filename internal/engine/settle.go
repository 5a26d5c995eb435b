package engine

import (
	"context"
	"time"

	"github.com/rcliao/character-memory/internal/keylock"
	"github.com/rcliao/character-memory/internal/queue"
)

// settlePoll is how often the barrier rechecks the queue.
const settlePoll = 10 * time.Millisecond

// settleBarrier holds a read until no summarize job for the pair is waiting
// or running. The queue is authoritative, so jobs enqueued or run by other
// processes sharing it are seen too. The local tracker only wakes the wait
// early when this process finishes one.
type settleBarrier struct {
	queue queue.Queue
	local *keylock.Tracker
	poll  time.Duration
}

func (b *settleBarrier) Wait(ctx context.Context, userID, characterName string) error {
	key := keylock.Key(userID, characterName)
	for {
		n, err := b.queue.Pending(ctx, queue.KindSummarize, userID, characterName)
		if err != nil {
			return err
		}
		if n == 0 {
			// counts left behind by work another process finished
			b.local.Reset(key)
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, b.poll)
		if b.local.Pending(key) > 0 {
			_ = b.local.Wait(wctx, key)
		} else {
			<-wctx.Done()
		}
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
