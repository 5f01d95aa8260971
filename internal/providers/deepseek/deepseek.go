// Package deepseek implements the provider capability for DeepSeek, whose API
// is OpenAI-compatible, via the OpenAI Go SDK pointed at the DeepSeek
// endpoint.
package deepseek

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

type Client struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	c.client = openaiSDK.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	)
	return c
}

func (c *Client) Name() string { return providers.NameDeepSeek }

func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("deepseek: health check: %w", toGatewayError(err))
	}
	return nil
}

func (c *Client) Request(ctx context.Context, model, prompt string, opts providers.Options) (*providers.ContentResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildParams(model, prompt, opts))
	if err != nil {
		return nil, toGatewayError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, aierr.New(aierr.CodeProviderResponseNoContent, "deepseek: response has no choices")
	}

	choice := resp.Choices[0]
	return &providers.ContentResponse{
		Text:   choice.Message.Content,
		Result: providers.ResultForFinishReason(choice.FinishReason),
	}, nil
}

func (c *Client) Stream(ctx context.Context, model, prompt string, opts providers.Options) (<-chan events.Event, error) {
	ch := make(chan events.Event, 64)
	stream := c.client.Chat.Completions.NewStreaming(ctx, buildParams(model, prompt, opts))

	go func() {
		defer close(ch)

		// A send blocked on a full buffer must still yield to cancellation.
		send := func(ev events.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finish := ""
		sawContent := false

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				if sawContent {
					continue
				}
				send(providers.StreamError(aierr.CodeProviderResponseNoContent,
					"deepseek: stream chunk has no choices"))
				return
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				sawContent = true
				if !send(events.NewContent("", choice.Delta.Content)) {
					return
				}
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			gerr := toGatewayError(err)
			send(providers.StreamError(aierr.CodeOf(gerr), gerr.Error()))
			return
		}

		send(providers.StreamEnd(providers.ResultForFinishReason(finish)))
	}()

	return ch, nil
}

func buildParams(model, prompt string, opts providers.Options) openaiSDK.ChatCompletionNewParams {
	msgs := providers.BuildMessages(prompt, opts)
	sdkMsgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			sdkMsgs = append(sdkMsgs, openaiSDK.SystemMessage(m.Content))
		case "assistant":
			sdkMsgs = append(sdkMsgs, openaiSDK.AssistantMessage(m.Content))
		default:
			sdkMsgs = append(sdkMsgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: sdkMsgs,
		Model:    model,
	}
	if opts.Temperature != 0 {
		params.Temperature = openaiSDK.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(opts.MaxTokens))
	}
	return params
}

func toGatewayError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return aierr.Wrap(providers.CodeForStatus(sdkErr.StatusCode),
			fmt.Sprintf("deepseek: upstream status %d", sdkErr.StatusCode), err)
	}
	return aierr.Wrap(aierr.CodeProviderResponseError, "deepseek: transport", err)
}
