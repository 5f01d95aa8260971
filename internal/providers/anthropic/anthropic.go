// Package anthropic implements the provider capability over the official
// Anthropic Go SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"

	// The Messages API requires max_tokens; used when the caller sets none.
	defaultMaxTokens = 4096
)

type Client struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
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

	c.client = anthropicSDK.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	)
	return c
}

func (c *Client) Name() string { return providers.NameAnthropic }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toGatewayError(err))
	}
	return nil
}

func (c *Client) Request(ctx context.Context, model, prompt string, opts providers.Options) (*providers.ContentResponse, error) {
	msg, err := c.client.Messages.New(ctx, buildParams(model, prompt, opts))
	if err != nil {
		return nil, toGatewayError(err)
	}
	if len(msg.Content) == 0 {
		return nil, aierr.New(aierr.CodeProviderResponseNoContent, "anthropic: response has no content blocks")
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropicSDK.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.ContentResponse{
		Text:   sb.String(),
		Result: providers.ResultForFinishReason(string(msg.StopReason)),
	}, nil
}

func (c *Client) Stream(ctx context.Context, model, prompt string, opts providers.Options) (<-chan events.Event, error) {
	ch := make(chan events.Event, 64)
	stream := c.client.Messages.NewStreaming(ctx, buildParams(model, prompt, opts))

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

		stop := ""
		sawContent := false

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				if td, ok := ev.Delta.AsAny().(anthropicSDK.TextDelta); ok && td.Text != "" {
					sawContent = true
					if !send(events.NewContent("", td.Text)) {
						return
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					stop = string(ev.Delta.StopReason)
				}
			}
		}

		if err := stream.Err(); err != nil {
			gerr := toGatewayError(err)
			send(providers.StreamError(aierr.CodeOf(gerr), gerr.Error()))
			return
		}
		if !sawContent {
			send(providers.StreamError(aierr.CodeProviderResponseNoContent,
				"anthropic: stream produced no text"))
			return
		}

		send(providers.StreamEnd(providers.ResultForFinishReason(stop)))
	}()

	return ch, nil
}

func buildParams(model, prompt string, opts providers.Options) anthropicSDK.MessageNewParams {
	msgs := providers.BuildMessages(prompt, opts)

	var system string
	sdkMsgs := make([]anthropicSDK.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			sdkMsgs = append(sdkMsgs, anthropicSDK.NewAssistantMessage(anthropicSDK.NewTextBlock(m.Content)))
		default:
			sdkMsgs = append(sdkMsgs, anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(m.Content)))
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  sdkMsgs,
	}
	if system != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(opts.Temperature)
	}
	return params
}

func toGatewayError(err error) error {
	var sdkErr *anthropicSDK.Error
	if errors.As(err, &sdkErr) {
		return aierr.Wrap(providers.CodeForStatus(sdkErr.StatusCode),
			fmt.Sprintf("anthropic: upstream status %d", sdkErr.StatusCode), err)
	}
	return aierr.Wrap(aierr.CodeProviderResponseError, "anthropic: transport", err)
}
