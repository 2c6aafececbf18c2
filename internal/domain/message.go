package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ConversationKey identifies an isolated conversation context: a chat and an
// optional sub-thread inside it. ThreadID 0 means "no subthread".
type ConversationKey struct {
	ChatID   int64
	ThreadID int64
}

// NewConversationKey builds a key for chatID and threadID.
func NewConversationKey(chatID, threadID int64) ConversationKey {
	return ConversationKey{ChatID: chatID, ThreadID: threadID}
}

// HasThread reports whether the key addresses a sub-thread.
func (k ConversationKey) HasThread() bool { return k.ThreadID != 0 }

// String renders the key as "<chat>:<thread>".
func (k ConversationKey) String() string {
	return strconv.FormatInt(k.ChatID, 10) + ":" + strconv.FormatInt(k.ThreadID, 10)
}

// ParseConversationKey parses the "<chat>:<thread>" form produced by String.
func ParseConversationKey(s string) (ConversationKey, error) {
	chatPart, threadPart, ok := strings.Cut(s, ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: conversation key %q", ErrInvalidInput, s)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("%w: chat id %q", ErrInvalidInput, chatPart)
	}
	threadID, err := strconv.ParseInt(threadPart, 10, 64)
	if err != nil || threadID < 0 {
		return ConversationKey{}, fmt.Errorf("%w: thread id %q", ErrInvalidInput, threadPart)
	}
	return ConversationKey{ChatID: chatID, ThreadID: threadID}, nil
}

// Usage tracks token consumption reported by the generation backend.
type Usage struct {
	PromptTokens          int  `json:"prompt_tokens"`
	CompletionTokens      int  `json:"completion_tokens"`
	TotalTokens           int  `json:"total_tokens"`
	PromptCacheHitTokens  int  `json:"prompt_cache_hit_tokens"`
	PromptCacheMissTokens int  `json:"prompt_cache_miss_tokens"`
	ReasoningTokens       *int `json:"reasoning_tokens,omitempty"`
}
