package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/infra/logger"
	"relaybot/internal/infra/tracer"
	"relaybot/internal/markup"
)

// GenerationState is the lifecycle state of one generation.
type GenerationState int

const (
	GenerationPending GenerationState = iota
	GenerationStreaming
	GenerationCompleted
	GenerationCancelled
	GenerationFailed
)

func (s GenerationState) String() string {
	switch s {
	case GenerationPending:
		return "pending"
	case GenerationStreaming:
		return "streaming"
	case GenerationCompleted:
		return "completed"
	case GenerationCancelled:
		return "cancelled"
	case GenerationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can follow s.
func (s GenerationState) Terminal() bool {
	return s == GenerationCompleted || s == GenerationCancelled || s == GenerationFailed
}

const truncatedMarker = "…"

// generation is the orchestrator-side state of one prompt/answer cycle.
type generation struct {
	id            string
	key           domain.ConversationKey
	placeholderID int64
	state         GenerationState

	text          strings.Builder
	runes         int
	lastEdit      time.Time
	lastEditRunes int

	usage *domain.Usage
	stats bool
	err   error
}

// runGeneration drives one prompt through Pending, Streaming and a terminal
// state. It returns once the final edit has been issued.
func (r *Relay) runGeneration(ctx context.Context, msg *domain.InboundMessage, prompt string) {
	key := msg.Key
	handle, taskCtx := NewTaskHandle(ctx, key)
	defer handle.Finish()

	preempted := r.deps.Tasks.Replace(key, handle)
	defer r.deps.Tasks.Remove(key, handle)

	log := logger.ForConversation(r.deps.Logger, key).With("generation_id", handle.ID)
	if len(preempted) > 0 {
		log.Info("preempting running generation", "tasks", len(preempted))
		r.awaitPreempted(taskCtx, log, preempted)
	}
	if taskCtx.Err() != nil {
		log.Debug("generation cancelled before start")
		return
	}

	g := &generation{
		id:    handle.ID,
		key:   key,
		state: GenerationPending,
		stats: r.deps.Sessions.ShowStats(key),
	}

	r.deps.Sessions.AppendUser(key, prompt, msg.SenderUsername)
	if taskCtx.Err() != nil {
		return
	}

	placeholderID, err := r.deps.Transport.Send(taskCtx, domain.OutboundMessage{
		Key:       key,
		Text:      markup.Sanitize(r.texts.Placeholder),
		ReplyToID: msg.MessageID,
		Controls:  domain.StopControls(key, r.texts.StopButton),
	})
	if err != nil {
		log.Error("send placeholder failed", "error", err, "code", domain.ErrorCodeOf(err))
		return
	}
	g.placeholderID = placeholderID
	g.lastEdit = time.Now()

	spanCtx, span := tracer.StartGeneration(taskCtx, tracer.GenerationSpan{
		Key:     key,
		ID:      g.id,
		Backend: r.deps.Generator.Name(),
		Stream:  r.deps.Stream,
	})

	r.stream(spanCtx, taskCtx, log, g)

	var spanErr error
	if g.state == GenerationFailed {
		spanErr = g.err
	}
	tracer.EndGeneration(span, g.state.String(), g.runes, spanErr)

	r.finish(ctx, log, g)
}

// awaitPreempted waits, bounded by PreemptWait, for preempted generations
// to issue their final edits so histories stay ordered.
func (r *Relay) awaitPreempted(ctx context.Context, log *slog.Logger, preempted []*TaskHandle) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.PreemptWait)
	defer cancel()
	for _, p := range preempted {
		if err := p.Wait(waitCtx); err != nil {
			log.Warn("preempted generation still running", "task_id", p.ID, "error", err)
			return
		}
	}
}

// stream requests the generation and consumes its events until a terminal
// state is reached.
func (r *Relay) stream(spanCtx, taskCtx context.Context, log *slog.Logger, g *generation) {
	// Releases the backend stream once events are no longer consumed.
	genCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	events, err := r.deps.Generator.Generate(genCtx, domain.GenerationRequest{
		Messages:    r.deps.Sessions.History(g.key),
		Temperature: r.deps.Sessions.Temperature(g.key),
		Stream:      r.deps.Stream,
		ShowStats:   g.stats,
	})
	if err != nil {
		if taskCtx.Err() != nil {
			g.state = GenerationCancelled
			return
		}
		log.Error("generation request failed", "error", err, "code", domain.ErrorCodeOf(err))
		g.state, g.err = GenerationFailed, err
		return
	}
	g.state = GenerationStreaming

	for {
		select {
		case <-taskCtx.Done():
			g.state = GenerationCancelled
			return
		case ev, ok := <-events:
			if !ok {
				if taskCtx.Err() != nil {
					g.state = GenerationCancelled
				} else {
					g.state = GenerationCompleted
				}
				return
			}
			switch ev.Kind {
			case domain.EventContentDelta:
				g.text.WriteString(ev.Text)
				g.runes += utf8.RuneCountInString(ev.Text)
				if !r.shouldEdit(g, time.Now()) {
					continue
				}
				if err := r.editProgress(taskCtx, log, g); err != nil {
					if taskCtx.Err() != nil {
						g.state = GenerationCancelled
						return
					}
					log.Error("progress edit failed", "error", err, "code", domain.ErrorCodeOf(err))
					g.state, g.err = GenerationFailed, err
					return
				}
			case domain.EventUsage:
				g.usage = ev.Usage
			case domain.EventDone:
				g.state = GenerationCompleted
				return
			case domain.EventError:
				log.Error("generation stream failed", "error", ev.Err, "code", domain.ErrorCodeOf(ev.Err))
				g.state, g.err = GenerationFailed, ev.Err
				return
			}
		}
	}
}

func (r *Relay) shouldEdit(g *generation, now time.Time) bool {
	return now.Sub(g.lastEdit) >= r.cfg.EditInterval || g.runes-g.lastEditRunes > r.cfg.EditGrowth
}

// editProgress shows the text accumulated so far. A rate limit that
// outlasts the retries skips this edit; the next one carries the text.
func (r *Relay) editProgress(ctx context.Context, log *slog.Logger, g *generation) error {
	g.lastEdit = time.Now()
	g.lastEditRunes = g.runes

	err := r.editWithRetry(ctx, log, domain.EditMessage{
		Key:       g.key,
		MessageID: g.placeholderID,
		Text:      markup.Sanitize(r.truncate(g.text.String())),
		Controls:  domain.StopControls(g.key, r.texts.StopButton),
	})
	if errors.Is(err, domain.ErrRateLimit) && ctx.Err() == nil {
		log.Warn("progress edit skipped", "error", err)
		return nil
	}
	return err
}

// editWithRetry edits a message, retrying rate-limited attempts after the
// advertised delay. "Not modified" counts as success.
func (r *Relay) editWithRetry(ctx context.Context, log *slog.Logger, edit domain.EditMessage) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.deps.Transport.Edit(ctx, edit)
		if err == nil || errors.Is(err, domain.ErrNotModified) {
			return nil
		}
		if !errors.Is(err, domain.ErrRateLimit) || attempt >= r.cfg.MaxEditAttempts {
			return err
		}

		wait := domain.RetryAfterOf(err)
		if wait <= 0 {
			wait = r.cfg.RateLimitBackoff
		}
		log.Debug("edit rate limited", "attempt", attempt, "retry_after", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// finish issues the final edit and records the answer. It runs on a
// context detached from the generation so a stop request still gets its
// marker shown.
func (r *Relay) finish(ctx context.Context, log *slog.Logger, g *generation) {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalEditTimeout)
	defer cancel()

	err := r.editWithRetry(finalCtx, log, domain.EditMessage{
		Key:       g.key,
		MessageID: g.placeholderID,
		Text:      r.finalText(g),
		Controls:  domain.NoControls(),
	})
	if err != nil {
		log.Warn("final edit failed", "state", g.state.String(), "error", err, "code", domain.ErrorCodeOf(err))
	}

	answer := g.text.String()
	if g.state != GenerationFailed && answer != "" {
		r.deps.Sessions.AppendAssistant(g.key, answer)
	}
	log.Info("generation finished",
		"state", g.state.String(),
		"runes", g.runes,
		"recorded", g.state != GenerationFailed && answer != "",
	)
}

// finalText renders the terminal message: the answer, the usage footer and
// a state marker. Each part is sanitized on its own so a marker can never
// be swallowed by an unterminated tag in the answer.
func (r *Relay) finalText(g *generation) string {
	var b strings.Builder
	if g.text.Len() > 0 {
		b.WriteString(markup.Sanitize(r.truncate(g.text.String())))
	}

	switch g.state {
	case GenerationCompleted:
		if g.text.Len() == 0 {
			b.WriteString(markup.Sanitize(r.texts.EmptyResponse))
		} else {
			if g.stats && g.usage != nil {
				b.WriteString(markup.Sanitize(formatUsage(*g.usage)))
			}
			b.WriteString("\n" + markup.Sanitize(r.texts.Finished))
		}
	case GenerationCancelled:
		writeMarker(&b, markup.Sanitize(r.texts.Stopped))
	default:
		writeMarker(&b, markup.Sanitize(r.failureText(g.err)))
	}
	return b.String()
}

func writeMarker(b *strings.Builder, marker string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(marker)
}

// failureText describes err for the user without leaking request details.
func (r *Relay) failureText(err error) string {
	code := domain.ErrorCodeOf(err)
	detail := ""
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		detail = de.Detail
	} else if err != nil {
		detail = err.Error()
	}
	const maxDetail = 200
	if utf8.RuneCountInString(detail) > maxDetail {
		detail = string([]rune(detail)[:maxDetail]) + truncatedMarker
	}
	if detail == "" {
		return fmt.Sprintf("%s (%s)", r.texts.Failed, code)
	}
	return fmt.Sprintf("%s (%s): %s", r.texts.Failed, code, detail)
}

// truncate keeps the head of text within MaxDisplayUnits. Telegram measures
// message length in UTF-16 code units, so characters outside the BMP count
// twice.
func (r *Relay) truncate(text string) string {
	limit := r.cfg.MaxDisplayUnits
	if utf16Len(text) <= limit {
		return text
	}
	units := 0
	for i, c := range text {
		n := utf16.RuneLen(c)
		if units+n > limit-1 {
			return text[:i] + truncatedMarker
		}
		units += n
	}
	return text
}

func utf16Len(s string) int {
	n := 0
	for _, c := range s {
		n += utf16.RuneLen(c)
	}
	return n
}

// formatUsage renders the token usage footer.
func formatUsage(u domain.Usage) string {
	var b strings.Builder
	b.WriteString("\n———\n")
	fmt.Fprintf(&b, "• Prompt: %d\n", u.PromptTokens)
	fmt.Fprintf(&b, "   • cache hit: %d\n", u.PromptCacheHitTokens)
	fmt.Fprintf(&b, "   • cache miss: %d", u.PromptCacheMissTokens)
	if u.ReasoningTokens != nil {
		fmt.Fprintf(&b, "\n• Reasoning: %d", *u.ReasoningTokens)
	}
	fmt.Fprintf(&b, "\n• Completion: %d\n", u.CompletionTokens)
	fmt.Fprintf(&b, "• Total: %d", u.TotalTokens)
	return b.String()
}
