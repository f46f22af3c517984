package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/concierge/internal/config"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to any OpenAI-compatible Chat Completions endpoint.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	timeout     time.Duration
}

var _ Backend = (*OpenAI)(nil)

func NewOpenAI(cfg config.LLMConfig) (*OpenAI, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("llm api key is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(1),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}, nil
}

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       o.model,
		Temperature: openai.Float(o.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Decompose(ctx context.Context, req DecomposeRequest) (planner.Plan, error) {
	system, user := decomposePrompts(req)
	text, err := o.complete(ctx, system, user)
	if err != nil {
		return planner.Plan{}, protocol.Execution(protocol.CodeBackendUnavailable, err.Error(), true)
	}
	return planner.ParsePlan(text)
}

func (o *OpenAI) Synthesize(ctx context.Context, facts protocol.FactSet) (string, error) {
	system, user := synthesizePrompts(facts)
	text, err := o.complete(ctx, system, user)
	if err != nil {
		return "", protocol.Execution(protocol.CodeBackendUnavailable, err.Error(), true)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", protocol.Execution(protocol.CodeBackendUnavailable, "backend returned an empty reply", true)
	}
	return text, nil
}
