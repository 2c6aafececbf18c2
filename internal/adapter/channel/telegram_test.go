package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// roundTripFunc adapts a function to the http.RoundTripper interface.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// errorBody is an io.ReadCloser whose Read always returns an error.
type errorBody struct{}

func (e *errorBody) Read(p []byte) (int, error) { return 0, fmt.Errorf("read error") }
func (e *errorBody) Close() error               { return nil }

var _ io.ReadCloser = (*errorBody)(nil)

func newTelegramTestLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestClient(baseURL string, opts ...TelegramOption) *TelegramClient {
	return NewTelegramClient(config.TelegramConfig{
		Token:          "test-token",
		BaseURL:        baseURL,
		PollTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
	}, newTelegramTestLogger(), opts...)
}

// okResult writes a successful Bot API envelope around result.
func okResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	json.NewEncoder(w).Encode(telegramResponse{OK: true, Result: raw})
}

func TestTelegramFetchUpdates(t *testing.T) {
	var gotReq telegramGetUpdatesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		okResult(t, w, []telegramUpdate{
			{
				UpdateID: 7,
				Message: &telegramMessage{
					MessageID:       100,
					From:            &telegramUser{ID: 5, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
					Chat:            telegramChat{ID: -42, Type: "supergroup"},
					Text:            "hello",
					MessageThreadID: 3,
				},
			},
			{
				UpdateID: 8,
				CallbackQuery: &telegramCallbackQuery{
					ID:      "cb-1",
					From:    telegramUser{ID: 5},
					Message: &telegramMessage{MessageID: 101, Chat: telegramChat{ID: -42}, MessageThreadID: 3},
					Data:    "stop:-42:3",
				},
			},
			{UpdateID: 9},
		})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	updates, err := c.FetchUpdates(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}

	if gotReq.Offset != 7 || gotReq.Timeout != 1 {
		t.Errorf("request = %+v, want offset 7 timeout 1", gotReq)
	}
	if len(gotReq.AllowedUpdates) != 2 {
		t.Errorf("allowed_updates = %v", gotReq.AllowedUpdates)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}

	m := updates[0].Message
	if m == nil {
		t.Fatal("update 7 should carry a message")
	}
	if m.Key != domain.NewConversationKey(-42, 3) {
		t.Errorf("Key = %v", m.Key)
	}
	if m.MessageID != 100 || m.Text != "hello" || m.Private {
		t.Errorf("message = %+v", m)
	}
	if m.SenderID != 5 || m.SenderName != "Ada Lovelace" || m.SenderUsername != "ada" {
		t.Errorf("sender = %d %q %q", m.SenderID, m.SenderName, m.SenderUsername)
	}

	b := updates[1].Button
	if b == nil {
		t.Fatal("update 8 should carry a button press")
	}
	if b.ID != "cb-1" || b.Data != "stop:-42:3" || b.MessageID != 101 || b.Key != domain.NewConversationKey(-42, 3) {
		t.Errorf("button = %+v", b)
	}

	if updates[2].ID != 9 || updates[2].Message != nil || updates[2].Button != nil {
		t.Errorf("unsupported update = %+v, want ID only", updates[2])
	}
}

func TestTelegramFetchUpdatesPrivateChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okResult(t, w, []telegramUpdate{{
			UpdateID: 1,
			Message:  &telegramMessage{MessageID: 1, Chat: telegramChat{ID: 42, Type: "private"}, Text: "hi"},
		}})
	}))
	defer server.Close()

	updates, err := newTestClient(server.URL).FetchUpdates(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	m := updates[0].Message
	if !m.Private || m.Key.HasThread() {
		t.Errorf("message = %+v, want private without thread", m)
	}
}

func TestTelegramFetchUpdatesSkipsEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okResult(t, w, []telegramUpdate{{
			UpdateID: 4,
			Message:  &telegramMessage{MessageID: 1, Chat: telegramChat{ID: 42}},
		}})
	}))
	defer server.Close()

	updates, err := newTestClient(server.URL).FetchUpdates(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].Message != nil {
		t.Errorf("updates = %+v, want one ID-only update", updates)
	}
}

func TestTelegramFetchUpdatesNotOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchUpdates(context.Background(), 0)
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestTelegramFetchUpdatesInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchUpdates(context.Background(), 0)
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestTelegramFetchUpdatesConnectionErrorHidesToken(t *testing.T) {
	c := newTestClient("http://localhost:1")
	_, err := c.FetchUpdates(context.Background(), 0)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if strings.Contains(err.Error(), "test-token") {
		t.Errorf("error leaks the token: %v", err)
	}
}

func TestTelegramReadBodyError(t *testing.T) {
	c := newTestClient("http://telegram.invalid", WithTelegramHTTPClient(&http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: &errorBody{}, Header: http.Header{}}, nil
		}),
	}))

	_, err := c.FetchUpdates(context.Background(), 0)
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestTelegramSend(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/sendMessage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		okResult(t, w, telegramMessage{MessageID: 555})
	}))
	defer server.Close()

	key := domain.NewConversationKey(42, 9)
	id, err := newTestClient(server.URL).Send(context.Background(), domain.OutboundMessage{
		Key:       key,
		Text:      "<b>Thinking...</b>",
		ReplyToID: 77,
		Controls:  domain.StopControls(key, "Stop"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 555 {
		t.Errorf("message id = %d, want 555", id)
	}

	if got["chat_id"] != float64(42) || got["message_thread_id"] != float64(9) {
		t.Errorf("chat/thread = %v/%v", got["chat_id"], got["message_thread_id"])
	}
	if got["parse_mode"] != "HTML" || got["text"] != "<b>Thinking...</b>" {
		t.Errorf("text/parse_mode = %v/%v", got["text"], got["parse_mode"])
	}
	reply, _ := got["reply_parameters"].(map[string]any)
	if reply["message_id"] != float64(77) {
		t.Errorf("reply_parameters = %v", got["reply_parameters"])
	}
	markup, _ := got["reply_markup"].(map[string]any)
	rows, _ := markup["inline_keyboard"].([]any)
	if len(rows) != 1 {
		t.Fatalf("reply_markup = %v", got["reply_markup"])
	}
	button := rows[0].([]any)[0].(map[string]any)
	if button["text"] != "Stop" || button["callback_data"] != "stop:42:9" {
		t.Errorf("button = %v", button)
	}
}

func TestTelegramSendWithoutThreadOrReply(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		okResult(t, w, telegramMessage{MessageID: 1})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Send(context.Background(), domain.OutboundMessage{
		Key:  domain.NewConversationKey(42, 0),
		Text: "History cleared.",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, field := range []string{"message_thread_id", "reply_parameters", "reply_markup"} {
		if _, ok := got[field]; ok {
			t.Errorf("%s should be omitted, got %v", field, got[field])
		}
	}
}

func TestTelegramEditClearsControls(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/editMessageText" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		okResult(t, w, true)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Edit(context.Background(), domain.EditMessage{
		Key:       domain.NewConversationKey(42, 0),
		MessageID: 555,
		Text:      "done",
		Controls:  domain.NoControls(),
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got["message_id"] != float64(555) || got["parse_mode"] != "HTML" {
		t.Errorf("edit body = %v", got)
	}
	markup, ok := got["reply_markup"].(map[string]any)
	if !ok {
		t.Fatalf("reply_markup missing: %v", got)
	}
	if rows, _ := markup["inline_keyboard"].([]any); rows == nil || len(rows) != 0 {
		t.Errorf("inline_keyboard = %v, want empty list", markup["inline_keyboard"])
	}
}

func TestTelegramEditNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).Edit(context.Background(), domain.EditMessage{Key: domain.NewConversationKey(1, 0), MessageID: 2, Text: "x"})
	if !errors.Is(err, domain.ErrNotModified) {
		t.Errorf("expected ErrNotModified, got %v", err)
	}
}

func TestTelegramEditRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 4","parameters":{"retry_after":4}}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).Edit(context.Background(), domain.EditMessage{Key: domain.NewConversationKey(1, 0), MessageID: 2, Text: "x"})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	if got := domain.RetryAfterOf(err); got != 4*time.Second {
		t.Errorf("RetryAfterOf = %v, want 4s", got)
	}
	if domain.ErrorCodeOf(err) != domain.CodeRateLimit {
		t.Errorf("code = %s", domain.ErrorCodeOf(err))
	}
}

func TestTelegramSendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Send(context.Background(), domain.OutboundMessage{Key: domain.NewConversationKey(1, 0), Text: "x"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !strings.Contains(err.Error(), "can't parse entities") {
		t.Errorf("error %q should carry the description", err)
	}
	if !strings.HasPrefix(err.Error(), "Telegram.sendMessage") {
		t.Errorf("error %q should carry the operation", err)
	}
}

func TestTelegramAnswerButton(t *testing.T) {
	var got telegramAnswerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/answerCallbackQuery" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		okResult(t, w, true)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).AnswerButton(context.Background(), "cb-1", "Stopping..."); err != nil {
		t.Fatalf("AnswerButton: %v", err)
	}
	if got.CallbackQueryID != "cb-1" || got.Text != "Stopping..." {
		t.Errorf("request = %+v", got)
	}
}

func TestTelegramBotUsernameCached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/getMe" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		calls.Add(1)
		okResult(t, w, telegramUser{ID: 1, IsBot: true, Username: "relay_bot"})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	for i := 0; i < 3; i++ {
		name, err := c.BotUsername(context.Background())
		if err != nil {
			t.Fatalf("BotUsername: %v", err)
		}
		if name != "relay_bot" {
			t.Errorf("name = %q", name)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("getMe called %d times, want 1", calls.Load())
	}
}

func TestTelegramBotUsernameMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okResult(t, w, telegramUser{ID: 1, IsBot: true})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).BotUsername(context.Background())
	if err == nil {
		t.Fatal("expected error for a bot without username")
	}
}

func TestTelegramMentionDetection(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		entities []telegramEntity
		want     bool
	}{
		{"plain mention", "@relay_bot hi", []telegramEntity{{Type: "mention", Offset: 0, Length: 10}}, true},
		{"case insensitive", "@Relay_Bot hi", []telegramEntity{{Type: "mention", Offset: 0, Length: 10}}, true},
		{"other user", "@someone hi", []telegramEntity{{Type: "mention", Offset: 0, Length: 8}}, false},
		{"no entities", "@relay_bot hi", nil, false},
		// The emoji is two UTF-16 units, so the mention starts at unit 3.
		{"utf16 offsets", "😀 @relay_bot hi", []telegramEntity{{Type: "mention", Offset: 3, Length: 10}}, true},
		{"out of range", "@relay_bot", []telegramEntity{{Type: "mention", Offset: 5, Length: 10}}, false},
		{"not a mention entity", "@relay_bot", []telegramEntity{{Type: "bold", Offset: 0, Length: 10}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &telegramMessage{Text: tt.text, Entities: tt.entities}
			if got := hasMention(m, "relay_bot"); got != tt.want {
				t.Errorf("hasMention(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}

	if hasMention(&telegramMessage{Text: "@relay_bot", Entities: tests[0].entities}, "") {
		t.Error("unknown bot username should never match")
	}
}

func TestTelegramFetchUpdatesUsesCachedUsername(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bottest-token/getMe":
			okResult(t, w, telegramUser{Username: "relay_bot"})
		case "/bottest-token/getUpdates":
			okResult(t, w, []telegramUpdate{{
				UpdateID: 1,
				Message: &telegramMessage{
					MessageID: 1,
					Chat:      telegramChat{ID: -1, Type: "group"},
					Text:      "@relay_bot what is 2+2?",
					Entities:  []telegramEntity{{Type: "mention", Offset: 0, Length: 10}},
				},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if _, err := c.BotUsername(context.Background()); err != nil {
		t.Fatalf("BotUsername: %v", err)
	}
	updates, err := c.FetchUpdates(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	if !updates[0].Message.Mentioned {
		t.Error("message should be marked as mentioning the bot")
	}
}

func TestTelegramSendCancelledWhileRateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		okResult(t, w, telegramMessage{MessageID: 1})
	}))
	defer server.Close()

	c := NewTelegramClient(config.TelegramConfig{
		Token:     "test-token",
		BaseURL:   server.URL,
		RateLimit: 0.01,
		RateBurst: 1,
	}, newTelegramTestLogger())

	msg := domain.OutboundMessage{Key: domain.NewConversationKey(42, 0), Text: "x"}
	if _, err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, msg); err == nil {
		t.Fatal("second Send should fail while waiting for the limiter")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1", calls.Load())
	}

	// Other chats have their own bucket.
	other := domain.OutboundMessage{Key: domain.NewConversationKey(43, 0), Text: "x"}
	if _, err := c.Send(context.Background(), other); err != nil {
		t.Errorf("Send to another chat: %v", err)
	}
}
