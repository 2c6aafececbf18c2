package usecase

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/domain"
)

// Run long-polls the transport and dispatches updates until ctx is done.
// Stop presses are handled inline so they never queue behind generations;
// messages run concurrently, at most MaxConcurrent at a time. Run returns
// after every started handler has finished.
func (r *Relay) Run(ctx context.Context) error {
	log := r.deps.Logger
	if name := r.BotUsername(ctx); name != "" {
		log.Info("relay started", "bot", name, "max_concurrent", r.cfg.MaxConcurrent)
	}

	queue := newInbox()
	var group errgroup.Group
	group.SetLimit(r.cfg.MaxConcurrent)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		for {
			msg, ok := queue.pop(ctx)
			if !ok {
				return
			}
			group.Go(func() error {
				if err := r.HandleMessage(ctx, msg); err != nil {
					log.Debug("message handler failed", "error", err)
				}
				return nil
			})
		}
	}()

	var offset int64
	for ctx.Err() == nil {
		updates, err := r.deps.Transport.FetchUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := max(r.cfg.PollBackoff, domain.RetryAfterOf(err))
			log.Warn("fetch updates failed", "error", err, "code", domain.ErrorCodeOf(err), "retry_in", wait)
			if sleepCtx(ctx, wait) != nil {
				break
			}
			continue
		}
		offset = r.dispatch(ctx, updates, offset, queue)
	}

	<-dispatcherDone
	_ = group.Wait()
	if n := queue.len(); n > 0 {
		log.Warn("dropped queued messages on shutdown", "count", n)
	}
	log.Info("relay stopped")
	return nil
}

// dispatch routes one batch of updates and returns the next poll offset.
func (r *Relay) dispatch(ctx context.Context, updates []domain.Update, offset int64, queue *inbox) int64 {
	for _, u := range updates {
		offset = nextOffset(offset, u.ID)
		switch {
		case u.Button != nil:
			_ = r.HandleButton(ctx, u.Button)
		case u.Message != nil:
			queue.push(u.Message)
		}
	}
	return offset
}

// nextOffset returns the poll offset after seeing update id.
func nextOffset(offset, id int64) int64 {
	if id >= offset {
		return id + 1
	}
	return offset
}

// inbox is an unbounded FIFO between the poll loop and the dispatcher, so
// a saturated worker group never stalls polling.
type inbox struct {
	mu    sync.Mutex
	items []*domain.InboundMessage
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(msg *domain.InboundMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a message is queued or ctx is done.
func (q *inbox) pop(ctx context.Context) (*domain.InboundMessage, bool) {
	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
		}
	}
	return nil, false
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
