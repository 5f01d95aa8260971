// Package gemini implements the provider capability over the official Google
// GenAI SDK (Gemini API backend).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/"

type Client struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      c.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.DefaultTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: c.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	c.client = client

	return c, nil
}

func (c *Client) Name() string { return providers.NameGemini }

func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toGatewayError(err))
	}
	return nil
}

func (c *Client) Request(ctx context.Context, model, prompt string, opts providers.Options) (*providers.ContentResponse, error) {
	contents, cfg := buildContents(prompt, opts)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toGatewayError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, aierr.New(aierr.CodeProviderResponseNoContent, "gemini: response has no candidates")
	}

	cand := resp.Candidates[0]
	return &providers.ContentResponse{
		Text:   candidateText(cand),
		Result: providers.ResultForFinishReason(string(cand.FinishReason)),
	}, nil
}

func (c *Client) Stream(ctx context.Context, model, prompt string, opts providers.Options) (<-chan events.Event, error) {
	contents, cfg := buildContents(prompt, opts)
	ch := make(chan events.Event, 64)

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

		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				gerr := toGatewayError(err)
				send(providers.StreamError(aierr.CodeOf(gerr), gerr.Error()))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				if sawContent {
					continue
				}
				send(providers.StreamError(aierr.CodeProviderResponseNoContent,
					"gemini: stream chunk has no candidates"))
				return
			}

			cand := resp.Candidates[0]
			if text := candidateText(cand); text != "" {
				sawContent = true
				if !send(events.NewContent("", text)) {
					return
				}
			}
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
		}

		send(providers.StreamEnd(providers.ResultForFinishReason(finish)))
	}()

	return ch, nil
}

func buildContents(prompt string, opts providers.Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	msgs := providers.BuildMessages(prompt, opts)

	var system string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if system != "" || opts.Temperature > 0 || opts.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if system != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: system}},
			}
		}
		if opts.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(opts.Temperature))
		}
		if opts.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(opts.MaxTokens)
		}
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func toGatewayError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return aierr.Wrap(providers.CodeForStatus(apiErr.Code),
			fmt.Sprintf("gemini: upstream status %d", apiErr.Code), err)
	}
	return aierr.Wrap(aierr.CodeProviderResponseError, "gemini: transport", err)
}
