package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"relaybot/internal/domain"
)

// maxLineSize bounds a single event-stream line.
const maxLineSize = 1 << 20

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// streamChunk is one chat.completion.chunk payload. Only the fields the
// relay consumes are decoded.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// wireUsage is the usage object of OpenAI-compatible backends, including
// the DeepSeek cache counters.
type wireUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	PromptCacheHitTokens    int `json:"prompt_cache_hit_tokens"`
	PromptCacheMissTokens   int `json:"prompt_cache_miss_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens *int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *wireUsage) toDomain() domain.Usage {
	out := domain.Usage{
		PromptTokens:          u.PromptTokens,
		CompletionTokens:      u.CompletionTokens,
		TotalTokens:           u.TotalTokens,
		PromptCacheHitTokens:  u.PromptCacheHitTokens,
		PromptCacheMissTokens: u.PromptCacheMissTokens,
	}
	if d := u.CompletionTokensDetails; d != nil && d.ReasoningTokens != nil {
		n := *d.ReasoningTokens
		out.ReasoningTokens = &n
	}
	return out
}

// streamDecoder turns event-stream lines into StreamEvents. The usage
// summary is held back until the end of the stream so that it is emitted
// exactly once, right before Done.
type streamDecoder struct {
	reportUsage bool
	usage       *domain.Usage
}

// feed processes one line. It returns the event to emit, if any, and
// whether the line terminated the stream.
func (d *streamDecoder) feed(line []byte) (ev domain.StreamEvent, emit, done bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return ev, false, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneSentinel) {
		return ev, false, true
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Malformed lines are skipped.
		return ev, false, false
	}
	if d.reportUsage && chunk.Usage != nil {
		u := chunk.Usage.toDomain()
		d.usage = &u
		return ev, false, false
	}
	if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
		return domain.ContentDelta(chunk.Choices[0].Delta.Content), true, false
	}
	return ev, false, false
}

// tail returns the events closing a successful stream.
func (d *streamDecoder) tail() []domain.StreamEvent {
	if d.reportUsage && d.usage != nil {
		return []domain.StreamEvent{domain.UsageSummary(*d.usage), domain.Done()}
	}
	return []domain.StreamEvent{domain.Done()}
}

// decodeStream reads an OpenAI-style event stream from body and delivers
// decoded events on the returned channel. The channel is closed after Done,
// after an Error event for a failed read, or as soon as ctx is cancelled; in
// the last case nothing further is sent. body is always closed. onEnd, when
// non-nil, runs once with the captured usage and the read error, if any.
func decodeStream(ctx context.Context, body io.ReadCloser, reportUsage bool, onEnd func(*domain.Usage, error)) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		d := &streamDecoder{reportUsage: reportUsage}
		var readErr error
		defer func() {
			if onEnd != nil {
				onEnd(d.usage, readErr)
			}
		}()
		defer close(ch)
		defer body.Close()
		// Unblocks a pending Read when ctx is cancelled.
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		send := func(ev domain.StreamEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() && ctx.Err() == nil {
			ev, emit, done := d.feed(scanner.Bytes())
			if done {
				break
			}
			if emit && !send(ev) {
				break
			}
		}
		if ctx.Err() != nil {
			readErr = ctx.Err()
			return
		}
		if err := scanner.Err(); err != nil {
			readErr = err
			send(domain.StreamFailed(fmt.Errorf("%w: read stream: %v", domain.ErrTransport, err)))
			return
		}
		// [DONE] and a clean EOF both end the stream normally.
		for _, ev := range d.tail() {
			if !send(ev) {
				return
			}
		}
	}()
	return ch
}
