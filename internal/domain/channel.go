package domain

import (
	"context"
	"fmt"
	"strings"
)

// Update is one inbound event from the chat transport. At most one of
// Message and Button is set; other update kinds carry only the ID so the
// poll offset still advances past them.
type Update struct {
	ID      int64
	Message *InboundMessage
	Button  *ButtonPress
}

// InboundMessage is a text message received from the transport.
type InboundMessage struct {
	Key       ConversationKey
	MessageID int64
	Text      string
	// Private is true for one-to-one chats with the bot.
	Private bool
	// Mentioned is true when the text addresses the bot by @username.
	Mentioned bool

	SenderID       int64
	SenderName     string
	SenderUsername string
}

// ButtonPress is an inline-control callback from the transport.
type ButtonPress struct {
	ID        string
	Key       ConversationKey
	MessageID int64
	Data      string
	SenderID  int64
}

// Button is a single inline control attached to an outbound message.
type Button struct {
	Text string
	Data string
}

// Controls is a grid of inline buttons. A nil *Controls leaves the message
// without controls; an empty non-nil value clears existing ones on edit.
type Controls struct {
	Rows [][]Button
}

// NoControls returns the value that clears controls on edit.
func NoControls() *Controls { return &Controls{Rows: [][]Button{}} }

// OutboundMessage is a new message sent to the transport.
type OutboundMessage struct {
	Key       ConversationKey
	Text      string
	ReplyToID int64
	Controls  *Controls
}

// EditMessage replaces the text (and optionally the controls) of a message
// previously sent by the bot.
type EditMessage struct {
	Key       ConversationKey
	MessageID int64
	Text      string
	Controls  *Controls
}

// UpdateSource is the inbound side of the chat transport.
type UpdateSource interface {
	// FetchUpdates long-polls for updates with ID >= offset.
	FetchUpdates(ctx context.Context, offset int64) ([]Update, error)
}

// Messenger is the outbound side of the chat transport. Text passed to it
// must already be in the safe markup subset.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (int64, error)
	Edit(ctx context.Context, msg EditMessage) error
	AnswerButton(ctx context.Context, buttonID, text string) error
}

// Transport is the full chat transport.
type Transport interface {
	UpdateSource
	Messenger
	// BotUsername returns the bot's @username without the "@".
	BotUsername(ctx context.Context) (string, error)
}

const stopControlPrefix = "stop:"

// StopControlData encodes the stop control payload for key.
func StopControlData(key ConversationKey) string {
	return stopControlPrefix + key.String()
}

// ParseStopControl resolves a stop control payload back to its key.
func ParseStopControl(data string) (ConversationKey, error) {
	rest, ok := strings.CutPrefix(data, stopControlPrefix)
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: not a stop control: %q", ErrInvalidInput, data)
	}
	return ParseConversationKey(rest)
}

// StopControls returns the single-button grid used while a generation runs.
func StopControls(key ConversationKey, label string) *Controls {
	return &Controls{Rows: [][]Button{{{Text: label, Data: StopControlData(key)}}}}
}
