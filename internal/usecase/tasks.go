package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relaybot/internal/domain"
)

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// TaskHandle is a cancellable in-flight generation. Cancellation is
// cooperative: the task observes the context returned by NewTaskHandle.
type TaskHandle struct {
	ID        string
	Key       domain.ConversationKey
	StartedAt time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewTaskHandle creates a handle for a task on key and the context the task
// must run under.
func NewTaskHandle(parent context.Context, key domain.ConversationKey) (*TaskHandle, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &TaskHandle{
		ID:        generateULID(now),
		Key:       key,
		StartedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, ctx
}

// Cancel requests cancellation. Safe to call repeatedly.
func (h *TaskHandle) Cancel() { h.cancel() }

// Finish marks the task as finished and releases its context.
func (h *TaskHandle) Finish() {
	h.doneOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
}

// Done is closed once the task has finished.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for task %s: %w", h.ID, ctx.Err())
	}
}

// TaskRegistry tracks in-flight tasks per conversation.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[domain.ConversationKey][]*TaskHandle
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[domain.ConversationKey][]*TaskHandle)}
}

// Register adds h under key.
func (r *TaskRegistry) Register(key domain.ConversationKey, h *TaskHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[key] = append(r.tasks[key], h)
}

// CancelAll cancels and removes every task under key and returns them so
// the caller can wait for them to finish.
func (r *TaskRegistry) CancelAll(key domain.ConversationKey) []*TaskHandle {
	r.mu.Lock()
	handles := r.tasks[key]
	delete(r.tasks, key)
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	return handles
}

// Replace atomically cancels every task under key and registers h as the
// only one. The preempted tasks are returned so the caller can wait for
// them; two concurrent Replace calls never leave two tasks registered.
func (r *TaskRegistry) Replace(key domain.ConversationKey, h *TaskHandle) []*TaskHandle {
	r.mu.Lock()
	preempted := r.tasks[key]
	r.tasks[key] = []*TaskHandle{h}
	r.mu.Unlock()

	for _, p := range preempted {
		p.Cancel()
	}
	return preempted
}

// Remove drops h from key. It reports whether h was registered; a task
// preempted by CancelAll is already gone.
func (r *TaskRegistry) Remove(key domain.ConversationKey, h *TaskHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.tasks[key]
	for i, cur := range handles {
		if cur != h {
			continue
		}
		handles = append(handles[:i], handles[i+1:]...)
		if len(handles) == 0 {
			delete(r.tasks, key)
		} else {
			r.tasks[key] = handles
		}
		return true
	}
	return false
}

// Active returns the most recently registered task under key, or nil.
func (r *TaskRegistry) Active(key domain.ConversationKey) *TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.tasks[key]
	if len(handles) == 0 {
		return nil
	}
	return handles[len(handles)-1]
}

// Count returns the number of registered tasks across all conversations.
func (r *TaskRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, handles := range r.tasks {
		n += len(handles)
	}
	return n
}

// CancelEverything cancels all tasks, e.g. on shutdown, and returns them.
func (r *TaskRegistry) CancelEverything() []*TaskHandle {
	r.mu.Lock()
	var all []*TaskHandle
	for key, handles := range r.tasks {
		all = append(all, handles...)
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	for _, h := range all {
		h.Cancel()
	}
	return all
}
