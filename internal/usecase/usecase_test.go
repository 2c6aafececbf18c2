package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// --- Mocks ---

type answeredButton struct {
	id   string
	text string
}

type fetchResult struct {
	updates []domain.Update
	err     error
}

type mockTransport struct {
	mu       sync.Mutex
	username string
	nextID   int64
	sends    []domain.OutboundMessage
	edits    []domain.EditMessage
	answers  []answeredButton
	offsets  []int64

	// editFunc, when set, decides the result of each Edit call. The call
	// is recorded either way.
	editFunc func(call int, edit domain.EditMessage) error
	// fetches is served in order; afterwards FetchUpdates blocks until ctx
	// is done.
	fetches []fetchResult
	drained chan struct{}
	// feed, when set, replaces fetches: each poll waits for one result.
	feed chan fetchResult
}

func newMockTransport() *mockTransport {
	return &mockTransport{username: "RelayBot", nextID: 100, drained: make(chan struct{})}
}

func (m *mockTransport) FetchUpdates(ctx context.Context, offset int64) ([]domain.Update, error) {
	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	if m.feed != nil {
		m.mu.Unlock()
		select {
		case r := <-m.feed:
			return r.updates, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(m.fetches) > 0 {
		r := m.fetches[0]
		m.fetches = m.fetches[1:]
		m.mu.Unlock()
		return r.updates, r.err
	}
	select {
	case <-m.drained:
	default:
		close(m.drained)
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockTransport) Send(_ context.Context, msg domain.OutboundMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, msg)
	m.nextID++
	return m.nextID, nil
}

func (m *mockTransport) Edit(_ context.Context, edit domain.EditMessage) error {
	m.mu.Lock()
	m.edits = append(m.edits, edit)
	call := len(m.edits)
	fn := m.editFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(call, edit)
	}
	return nil
}

func (m *mockTransport) AnswerButton(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, answeredButton{id: id, text: text})
	return nil
}

func (m *mockTransport) BotUsername(context.Context) (string, error) {
	return m.username, nil
}

func (m *mockTransport) sent() []domain.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OutboundMessage(nil), m.sends...)
}

func (m *mockTransport) edited() []domain.EditMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EditMessage(nil), m.edits...)
}

func (m *mockTransport) answered() []answeredButton {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]answeredButton(nil), m.answers...)
}

func (m *mockTransport) polledOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.offsets...)
}

// mockGenerator runs script for every Generate call. The events channel is
// closed when script returns.
type mockGenerator struct {
	mu       sync.Mutex
	requests []domain.GenerationRequest
	err      error
	script   func(ctx context.Context, call int, events chan<- domain.StreamEvent)
}

func (m *mockGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	ch := make(chan domain.StreamEvent)
	go func() {
		defer close(ch)
		if m.script != nil {
			m.script(ctx, call, ch)
		}
	}()
	return ch, nil
}

func (m *mockGenerator) Name() string { return "mock" }

func (m *mockGenerator) calls() []domain.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerationRequest(nil), m.requests...)
}

// emit sends events in order, stopping early if ctx is done.
func emit(ctx context.Context, ch chan<- domain.StreamEvent, events ...domain.StreamEvent) bool {
	for _, ev := range events {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// --- Helpers ---

var (
	privateKey = domain.NewConversationKey(10, 0)
	groupKey   = domain.NewConversationKey(-200, 7)
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRelayConfig() config.RelayConfig {
	cfg := config.Defaults().Relay
	cfg.DefaultRole = "sys"
	// Only final edits unless a test lowers the thresholds.
	cfg.EditInterval = time.Hour
	cfg.EditGrowth = 1 << 20
	cfg.RateLimitBackoff = 5 * time.Millisecond
	cfg.PreemptWait = 2 * time.Second
	cfg.FinalEditTimeout = 2 * time.Second
	cfg.PollBackoff = 10 * time.Millisecond
	return cfg
}

func newTestRelay(tr *mockTransport, gen *mockGenerator, mutate func(*config.RelayConfig)) *Relay {
	cfg := testRelayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	sessions := NewSessionStore(SessionConfig{
		DefaultRole:        cfg.DefaultRole,
		DefaultTemperature: cfg.DefaultTemperature,
		MaxHistory:         cfg.MaxHistory,
		TrimWindow:         cfg.TrimWindow,
	})
	return NewRelay(RelayDeps{
		Transport: tr,
		Generator: gen,
		Sessions:  sessions,
		Tasks:     NewTaskRegistry(),
		Config:    cfg,
		Stream:    true,
		Logger:    newTestLogger(),
	})
}

func privateMessage(text string) *domain.InboundMessage {
	return &domain.InboundMessage{
		Key:            privateKey,
		MessageID:      42,
		Text:           text,
		Private:        true,
		SenderID:       1,
		SenderName:     "Alice",
		SenderUsername: "alice",
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
