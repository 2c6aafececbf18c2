package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/markup"
)

// RelayDeps holds injected dependencies for the relay.
type RelayDeps struct {
	Transport domain.Transport
	Generator domain.Generator
	Sessions  *SessionStore
	Tasks     *TaskRegistry
	Config    config.RelayConfig
	// Stream selects incremental generation; false asks the backend for a
	// single complete answer.
	Stream bool
	Logger *slog.Logger
}

// Relay connects chat updates to the generation backend: it answers
// commands, turns prompts into live-edited replies and handles stop
// requests.
type Relay struct {
	deps  RelayDeps
	cfg   config.RelayConfig
	texts config.TextsConfig

	botMu       sync.RWMutex
	botUsername string
}

// NewRelay creates a relay. Zero-valued timing settings fall back to the
// configuration defaults.
func NewRelay(deps RelayDeps) *Relay {
	cfg := deps.Config
	def := config.Defaults().Relay
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = def.EditInterval
	}
	if cfg.EditGrowth <= 0 {
		cfg.EditGrowth = def.EditGrowth
	}
	if cfg.MaxDisplayUnits <= 0 {
		cfg.MaxDisplayUnits = def.MaxDisplayUnits
	}
	if cfg.MaxEditAttempts <= 0 {
		cfg.MaxEditAttempts = def.MaxEditAttempts
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = def.RateLimitBackoff
	}
	if cfg.FinalEditTimeout <= 0 {
		cfg.FinalEditTimeout = def.FinalEditTimeout
	}
	if cfg.PreemptWait <= 0 {
		cfg.PreemptWait = def.PreemptWait
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = def.PollBackoff
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Config = cfg
	return &Relay{deps: deps, cfg: cfg, texts: withDefaultTexts(cfg.Texts, def.Texts)}
}

func withDefaultTexts(t, def config.TextsConfig) config.TextsConfig {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return config.TextsConfig{
		Placeholder:     pick(t.Placeholder, def.Placeholder),
		StopButton:      pick(t.StopButton, def.StopButton),
		Stopping:        pick(t.Stopping, def.Stopping),
		NothingToStop:   pick(t.NothingToStop, def.NothingToStop),
		Finished:        pick(t.Finished, def.Finished),
		Stopped:         pick(t.Stopped, def.Stopped),
		EmptyResponse:   pick(t.EmptyResponse, def.EmptyResponse),
		Failed:          pick(t.Failed, def.Failed),
		RoleChanged:     pick(t.RoleChanged, def.RoleChanged),
		HistoryCleared:  pick(t.HistoryCleared, def.HistoryCleared),
		DefaultRoleSet:  pick(t.DefaultRoleSet, def.DefaultRoleSet),
		Temperature:     pick(t.Temperature, def.Temperature),
		BadTemperature:  pick(t.BadTemperature, def.BadTemperature),
		StatsToggled:    pick(t.StatsToggled, def.StatsToggled),
		MissingArgument: pick(t.MissingArgument, def.MissingArgument),
	}
}

// BotUsername returns the bot's username, asking the transport while it is
// still unknown. It returns "" if the transport cannot tell.
func (r *Relay) BotUsername(ctx context.Context) string {
	r.botMu.RLock()
	name := r.botUsername
	r.botMu.RUnlock()
	if name != "" {
		return name
	}

	name, err := r.deps.Transport.BotUsername(ctx)
	if err != nil {
		r.deps.Logger.Warn("bot username unavailable, mentions disabled", "error", err)
		return ""
	}
	r.botMu.Lock()
	r.botUsername = name
	r.botMu.Unlock()
	return name
}

// HandleMessage routes one inbound message: the bot's own commands are
// answered, other text addressed to the bot starts a generation and anything
// else is ignored.
// It blocks until a started generation has finished.
func (r *Relay) HandleMessage(ctx context.Context, msg *domain.InboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	botName := r.BotUsername(ctx)

	switch cmd, kind := classifyCommand(text, botName); kind {
	case commandForUs:
		return r.handleCommand(ctx, msg, cmd)
	case commandForPeer:
		return nil
	}

	prompt, ok := extractPrompt(msg, text, botName)
	if !ok {
		return nil
	}
	r.runGeneration(ctx, msg, prompt)
	return nil
}

// extractPrompt returns the prompt carried by text. Private chats treat
// every message as a prompt; elsewhere the bot must be mentioned. Mentions
// of the bot are removed from the prompt.
func extractPrompt(msg *domain.InboundMessage, text, botName string) (string, bool) {
	if !msg.Private && !msg.Mentioned {
		return "", false
	}
	if botName != "" {
		text = removeFold(text, "@"+botName)
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// removeFold removes every ASCII case-insensitive occurrence of sub.
func removeFold(s, sub string) string {
	lower := lowerASCII(s)
	needle := lowerASCII(sub)
	if !strings.Contains(lower, needle) {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i+len(needle):]
		lower = lower[i+len(needle):]
	}
}

// lowerASCII lowercases A-Z only, so byte offsets are preserved.
func lowerASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// HandleButton processes an inline control press. A stop control cancels
// every generation of its conversation.
func (r *Relay) HandleButton(ctx context.Context, press *domain.ButtonPress) error {
	logger := r.deps.Logger.With("button_id", press.ID)

	key, err := domain.ParseStopControl(press.Data)
	if err != nil || (press.Key.ChatID != 0 && press.Key.ChatID != key.ChatID) {
		logger.Debug("ignoring unknown control", "data", press.Data)
		return r.answer(ctx, press.ID, "")
	}

	stopped := r.deps.Tasks.CancelAll(key)
	logger.Info("stop requested", "chat_id", key.ChatID, "thread_id", key.ThreadID, "tasks", len(stopped))
	if len(stopped) == 0 {
		return r.answer(ctx, press.ID, r.texts.NothingToStop)
	}
	return r.answer(ctx, press.ID, r.texts.Stopping)
}

func (r *Relay) answer(ctx context.Context, id, text string) error {
	if err := r.deps.Transport.AnswerButton(ctx, id, text); err != nil {
		r.deps.Logger.Warn("answer button failed", "error", err, "code", domain.ErrorCodeOf(err))
		return err
	}
	return nil
}

// reply sends a plain notice to the conversation of msg.
func (r *Relay) reply(ctx context.Context, msg *domain.InboundMessage, text string) error {
	_, err := r.deps.Transport.Send(ctx, domain.OutboundMessage{
		Key:  msg.Key,
		Text: markup.Sanitize(text),
	})
	if err != nil {
		r.deps.Logger.Warn("reply failed",
			"chat_id", msg.Key.ChatID,
			"thread_id", msg.Key.ThreadID,
			"error", err,
			"code", domain.ErrorCodeOf(err),
		)
	}
	return err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
