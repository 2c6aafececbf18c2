package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/tracer"
)

// OpenAIGenerator implements domain.Generator for OpenAI-compatible chat
// completion APIs (DeepSeek by default). Streaming requests are decoded by
// decodeStream; non-streaming requests go through the go-openai client.
type OpenAIGenerator struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	sdk     *openai.Client
	logger  *slog.Logger
}

// NewOpenAIGenerator creates a generator with configured timeouts.
func NewOpenAIGenerator(cfg config.LLMConfig, logger *slog.Logger) *OpenAIGenerator {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	client := NewHTTPClient(cfg)

	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	sdkCfg.BaseURL = baseURL
	sdkCfg.HTTPClient = client

	return &OpenAIGenerator{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		sdk:     openai.NewClientWithConfig(sdkCfg),
		logger:  logger,
	}
}

// Name implements domain.Generator.
func (g *OpenAIGenerator) Name() string { return g.name }

// Generate implements domain.Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	if req.Stream {
		return g.stream(ctx, req)
	}
	return g.complete(ctx, req)
}

// streamRequest is the chat completion body for streaming. go-openai's
// request type drops a zero temperature (omitempty on a float32), so the
// streaming path marshals its own body.
type streamRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Temperature   *float64                       `json:"temperature,omitempty"`
	Stream        bool                           `json:"stream"`
	StreamOptions *openai.StreamOptions          `json:"stream_options,omitempty"`
}

func toSDKMessages(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return out
}

func (g *OpenAIGenerator) stream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	spanCtx, span := tracer.StartBackendCall(ctx, "llm.stream", g.name, g.model, len(req.Messages))

	temperature := req.Temperature
	body := streamRequest{
		Model:       g.model,
		Messages:    toSDKMessages(req.Messages),
		Temperature: &temperature,
		Stream:      true,
	}
	if req.ShowStats {
		body.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		tracer.EndBackendCall(span, nil, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(spanCtx, g.client, g.baseURL+"/chat/completions", payload, g.headers())
	if err != nil {
		tracer.EndBackendCall(span, nil, err)
		return nil, domain.WrapOp(g.name+".Generate", err)
	}

	return decodeStream(ctx, httpResp.Body, req.ShowStats, func(usage *domain.Usage, readErr error) {
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			g.logger.Warn("llm stream read failed", "provider", g.name, "error", readErr)
		}
		tracer.EndBackendCall(span, usage, readErr)
	}), nil
}

func (g *OpenAIGenerator) headers() map[string]string {
	headers := map[string]string{}
	if g.apiKey != "" {
		headers["Authorization"] = "Bearer " + g.apiKey
	}
	return headers
}

// sdkTemperature converts a temperature for go-openai, which omits zero.
// The smallest positive float32 is sent instead so that 0 still means
// greedy decoding.
func sdkTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func (g *OpenAIGenerator) complete(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartBackendCall(ctx, "llm.chat", g.name, g.model, len(req.Messages))

	resp, err := g.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    toSDKMessages(req.Messages),
		Temperature: sdkTemperature(req.Temperature),
	})
	if err != nil {
		err = mapSDKError(ctx, err)
		tracer.EndBackendCall(span, nil, err)
		return nil, domain.WrapOp(g.name+".Generate", err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	usage := fromSDKUsage(resp.Usage)
	tracer.EndBackendCall(span, &usage, nil)
	g.logger.Debug("llm chat completed", "provider", g.name, "model", resp.Model, "tokens", usage.TotalTokens)

	ch := make(chan domain.StreamEvent, 3)
	if text != "" {
		ch <- domain.ContentDelta(text)
	}
	if req.ShowStats {
		ch <- domain.UsageSummary(usage)
	}
	ch <- domain.Done()
	close(ch)
	return ch, nil
}

func fromSDKUsage(u openai.Usage) domain.Usage {
	out := domain.Usage{
		PromptTokens:          u.PromptTokens,
		CompletionTokens:      u.CompletionTokens,
		TotalTokens:           u.TotalTokens,
		PromptCacheMissTokens: u.PromptTokens,
	}
	if d := u.PromptTokensDetails; d != nil {
		out.PromptCacheHitTokens = d.CachedTokens
		out.PromptCacheMissTokens = u.PromptTokens - d.CachedTokens
	}
	if d := u.CompletionTokensDetails; d != nil {
		n := d.ReasoningTokens
		out.ReasoningTokens = &n
	}
	return out
}

// mapSDKError converts go-openai errors to the same domain errors the
// streaming path produces.
func mapSDKError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapHTTPError(apiErr.HTTPStatusCode, []byte(apiErr.Message), 0)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapHTTPError(reqErr.HTTPStatusCode, []byte(reqErr.Error()), 0)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}

// ListModels returns the model IDs the backend serves. It doubles as a
// credentials and reachability probe.
func (g *OpenAIGenerator) ListModels(ctx context.Context) ([]string, error) {
	list, err := g.sdk.ListModels(ctx)
	if err != nil {
		return nil, domain.WrapOp(g.name+".ListModels", mapSDKError(ctx, err))
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

var _ domain.Generator = (*OpenAIGenerator)(nil)
