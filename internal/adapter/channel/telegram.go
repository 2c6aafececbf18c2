package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

const (
	maxResponseBody = 10 << 20
	parseModeHTML   = "HTML"
)

// TelegramOption configures the Telegram client.
type TelegramOption func(*TelegramClient)

// WithTelegramHTTPClient replaces the HTTP client used for Bot API calls.
func WithTelegramHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramClient) { t.client = c }
}

// TelegramClient implements domain.Transport for the Telegram Bot API via
// long-polling.
type TelegramClient struct {
	token          string
	baseURL        string
	pollTimeout    time.Duration
	requestTimeout time.Duration
	client         *http.Client
	limiter        *chatLimiter
	logger         *slog.Logger

	mu          sync.Mutex
	botUsername string
}

// NewTelegramClient creates a Bot API client.
func NewTelegramClient(cfg config.TelegramConfig, logger *slog.Logger, opts ...TelegramOption) *TelegramClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	// No client-wide timeout: long polls hold the connection for
	// pollTimeout and every call gets its deadline from the context.
	t := &TelegramClient{
		token:          cfg.Token,
		baseURL:        baseURL,
		pollTimeout:    pollTimeout,
		requestTimeout: requestTimeout,
		client:         &http.Client{},
		limiter:        newChatLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:         logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// FetchUpdates implements domain.UpdateSource.
func (t *TelegramClient) FetchUpdates(ctx context.Context, offset int64) ([]domain.Update, error) {
	ctx, cancel := context.WithTimeout(ctx, t.pollTimeout+t.requestTimeout)
	defer cancel()

	req := telegramGetUpdatesRequest{
		Offset:         offset,
		Timeout:        int(t.pollTimeout / time.Second),
		AllowedUpdates: []string{"message", "callback_query"},
	}
	var raw []telegramUpdate
	if err := t.call(ctx, "getUpdates", req, &raw); err != nil {
		return nil, err
	}

	username := t.cachedUsername()
	updates := make([]domain.Update, 0, len(raw))
	for _, u := range raw {
		updates = append(updates, toDomainUpdate(u, username))
	}
	return updates, nil
}

// Send implements domain.Messenger.
func (t *TelegramClient) Send(ctx context.Context, msg domain.OutboundMessage) (int64, error) {
	if err := t.limiter.Wait(ctx, msg.Key.ChatID); err != nil {
		return 0, domain.WrapOp("Telegram.Send", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	req := telegramSendRequest{
		ChatID:          msg.Key.ChatID,
		Text:            msg.Text,
		ParseMode:       parseModeHTML,
		MessageThreadID: msg.Key.ThreadID,
		ReplyMarkup:     toMarkup(msg.Controls),
	}
	if msg.ReplyToID != 0 {
		req.ReplyParameters = &telegramReplyParameters{
			MessageID:                msg.ReplyToID,
			AllowSendingWithoutReply: true,
		}
	}

	var sent telegramMessage
	if err := t.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit implements domain.Messenger.
func (t *TelegramClient) Edit(ctx context.Context, msg domain.EditMessage) error {
	if err := t.limiter.Wait(ctx, msg.Key.ChatID); err != nil {
		return domain.WrapOp("Telegram.Edit", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	req := telegramEditRequest{
		ChatID:      msg.Key.ChatID,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		ParseMode:   parseModeHTML,
		ReplyMarkup: toMarkup(msg.Controls),
	}
	return t.call(ctx, "editMessageText", req, nil)
}

// AnswerButton implements domain.Messenger.
func (t *TelegramClient) AnswerButton(ctx context.Context, buttonID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	return t.call(ctx, "answerCallbackQuery", telegramAnswerRequest{
		CallbackQueryID: buttonID,
		Text:            text,
	}, nil)
}

// BotUsername implements domain.Transport. The result of the first
// successful getMe is cached.
func (t *TelegramClient) BotUsername(ctx context.Context) (string, error) {
	if name := t.cachedUsername(); name != "" {
		return name, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	var me telegramUser
	if err := t.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return "", err
	}
	if me.Username == "" {
		return "", domain.NewDomainError("Telegram.getMe", domain.ErrTransport, "bot has no username")
	}

	t.mu.Lock()
	t.botUsername = me.Username
	t.mu.Unlock()
	t.logger.Info("telegram bot identified", "username", me.Username)
	return me.Username, nil
}

func (t *TelegramClient) cachedUsername() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botUsername
}

// call POSTs payload to a Bot API method and decodes the result into out
// (which may be nil).
func (t *TelegramClient) call(ctx context.Context, method string, payload, out any) error {
	op := "Telegram." + method

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WrapOp(op, fmt.Errorf("marshal request: %w", err))
	}

	endpoint := t.baseURL + "/bot" + t.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.WrapOp(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp(op, ctx.Err())
		}
		return domain.NewDomainError(op, domain.ErrTransport, stripURL(err).Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.NewDomainError(op, domain.ErrTransport, "read response: "+err.Error())
	}

	var result telegramResponse
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return mapAPIError(op, resp.StatusCode, telegramResponse{Description: string(bytes.TrimSpace(data))})
		}
		return domain.NewDomainError(op, domain.ErrTransport, "decode response: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK || !result.OK {
		return mapAPIError(op, resp.StatusCode, result)
	}

	if out != nil && len(result.Result) > 0 {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return domain.NewDomainError(op, domain.ErrTransport, "decode result: "+err.Error())
		}
	}
	return nil
}

// mapAPIError converts a failed Bot API response into a domain error.
func mapAPIError(op string, status int, r telegramResponse) error {
	code := r.ErrorCode
	if code == 0 {
		code = status
	}
	detail := fmt.Sprintf("HTTP %d: %s", code, r.Description)

	switch {
	case code == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if r.Parameters != nil {
			retryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return domain.NewDomainError(op, &domain.RateLimitError{RetryAfter: retryAfter, Detail: r.Description}, "")
	case strings.Contains(strings.ToLower(r.Description), "message is not modified"):
		return domain.NewDomainError(op, domain.ErrNotModified, "")
	case code == http.StatusUnauthorized:
		return domain.NewDomainError(op, domain.ErrAuthInvalid, detail)
	default:
		return domain.NewDomainError(op, domain.ErrTransport, detail)
	}
}

// stripURL drops the request URL from client errors; it embeds the token.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func toDomainUpdate(u telegramUpdate, botUsername string) domain.Update {
	out := domain.Update{ID: u.UpdateID}

	switch {
	case u.Message != nil && u.Message.Text != "":
		m := u.Message
		in := &domain.InboundMessage{
			Key:       domain.NewConversationKey(m.Chat.ID, m.MessageThreadID),
			MessageID: m.MessageID,
			Text:      m.Text,
			Private:   m.Chat.Type == "private",
			Mentioned: hasMention(m, botUsername),
		}
		if m.From != nil {
			in.SenderID = m.From.ID
			in.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
			in.SenderUsername = m.From.Username
		}
		out.Message = in
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		press := &domain.ButtonPress{
			ID:       q.ID,
			Data:     q.Data,
			SenderID: q.From.ID,
		}
		if q.Message != nil {
			press.Key = domain.NewConversationKey(q.Message.Chat.ID, q.Message.MessageThreadID)
			press.MessageID = q.Message.MessageID
		}
		out.Button = press
	}
	return out
}

// hasMention reports whether any mention entity addresses the bot. Entity
// offsets count UTF-16 code units.
func hasMention(m *telegramMessage, botUsername string) bool {
	if botUsername == "" || len(m.Entities) == 0 {
		return false
	}
	units := utf16.Encode([]rune(m.Text))
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		end := e.Offset + e.Length
		if e.Offset < 0 || end > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[e.Offset:end]))
		if strings.EqualFold(mention, "@"+botUsername) {
			return true
		}
	}
	return false
}

func toMarkup(c *domain.Controls) *telegramInlineKeyboard {
	if c == nil {
		return nil
	}
	kb := &telegramInlineKeyboard{InlineKeyboard: make([][]telegramInlineButton, 0, len(c.Rows))}
	for _, row := range c.Rows {
		buttons := make([]telegramInlineButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telegramInlineButton{Text: b.Text, CallbackData: b.Data})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, buttons)
	}
	return kb
}

var _ domain.Transport = (*TelegramClient)(nil)

// --- Telegram Bot API types ---

type telegramResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	Description string              `json:"description"`
	ErrorCode   int                 `json:"error_code"`
	Parameters  *telegramRespParams `json:"parameters,omitempty"`
}

type telegramRespParams struct {
	RetryAfter int `json:"retry_after"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type telegramEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramMessage struct {
	MessageID       int64            `json:"message_id"`
	From            *telegramUser    `json:"from,omitempty"`
	Chat            telegramChat     `json:"chat"`
	Text            string           `json:"text"`
	MessageThreadID int64            `json:"message_thread_id,omitempty"`
	Entities        []telegramEntity `json:"entities,omitempty"`
}

type telegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    telegramUser     `json:"from"`
	Message *telegramMessage `json:"message,omitempty"`
	Data    string           `json:"data"`
}

type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	Message       *telegramMessage       `json:"message,omitempty"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query,omitempty"`
}

type telegramGetUpdatesRequest struct {
	Offset         int64    `json:"offset"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

type telegramInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type telegramInlineKeyboard struct {
	InlineKeyboard [][]telegramInlineButton `json:"inline_keyboard"`
}

type telegramReplyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply,omitempty"`
}

type telegramSendRequest struct {
	ChatID          int64                    `json:"chat_id"`
	Text            string                   `json:"text"`
	ParseMode       string                   `json:"parse_mode,omitempty"`
	MessageThreadID int64                    `json:"message_thread_id,omitempty"`
	ReplyParameters *telegramReplyParameters `json:"reply_parameters,omitempty"`
	ReplyMarkup     *telegramInlineKeyboard  `json:"reply_markup,omitempty"`
}

type telegramEditRequest struct {
	ChatID      int64                   `json:"chat_id"`
	MessageID   int64                   `json:"message_id"`
	Text        string                  `json:"text"`
	ParseMode   string                  `json:"parse_mode,omitempty"`
	ReplyMarkup *telegramInlineKeyboard `json:"reply_markup,omitempty"`
}

type telegramAnswerRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}
