package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIProvider implements the Provider interface for OpenAI and any
// endpoint speaking the OpenAI chat completions protocol.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *openai.Client
	models  []string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	name       string
	baseURL    string
	httpClient openai.HTTPDoer
	models     []string
}

// WithOpenAIBaseURL points the provider at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) { o.baseURL = strings.TrimSuffix(url, "/") }
}

// WithOpenAIHTTPClient replaces the HTTP client used for API calls.
func WithOpenAIHTTPClient(c openai.HTTPDoer) OpenAIOption {
	return func(o *openAIOptions) { o.httpClient = c }
}

// WithOpenAIName registers the provider under a different name.
func WithOpenAIName(name string) OpenAIOption {
	return func(o *openAIOptions) { o.name = name }
}

// WithOpenAIModels overrides the advertised model list.
func WithOpenAIModels(models ...string) OpenAIOption {
	return func(o *openAIOptions) { o.models = models }
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	o := openAIOptions{
		name: "openai",
		models: []string{
			openai.GPT4o,
			openai.GPT4oMini,
			openai.GPT4Turbo,
			openai.GPT4,
			openai.GPT3Dot5Turbo,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	} else {
		cfg.HTTPClient = &http.Client{}
	}

	return &OpenAIProvider{
		name:    o.name,
		apiKey:  apiKey,
		baseURL: cfg.BaseURL,
		client:  openai.NewClientWithConfig(cfg),
		models:  o.models,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Models() []string {
	return p.models
}

func (p *OpenAIProvider) Available(ctx context.Context) bool {
	return p.apiKey != ""
}

// BaseURL returns the endpoint the provider talks to.
func (p *OpenAIProvider) BaseURL() string {
	return p.baseURL
}

func (p *OpenAIProvider) Complete(ctx context.Context, params CompletionParams) (*CompletionResult, error) {
	model := params.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(params.Messages),
		Tools:       toOpenAITools(params.Tools),
		Temperature: float32(params.Temperature),
		MaxTokens:   params.MaxTokens,
		TopP:        float32(params.TopP),
		Stop:        params.Stop,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.MalformedResponse(fault.NoRow, "chat completion returned no choices")
	}

	choice := resp.Choices[0]
	msg := fromOpenAIMessage(choice.Message)
	return &CompletionResult{
		ID:           resp.ID,
		Content:      msg.Content,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Provider:     p.Name(),
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// classifyOpenAIError maps go-openai failures onto fault kinds.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusFault(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusFault(reqErr.HTTPStatusCode, string(reqErr.Body), err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fault.ParseError(err, "decode chat completion")
	}
	return fault.Classify(err, "chat completion")
}

func statusFault(status int, message string, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Wrap(fault.KindAuthFailed, err, "chat completion rejected with status %d", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.Unreachable(err, "chat completion returned status %d", status)
	default:
		return fault.BackendError("chat completion returned status %d: %s", status, message)
	}
}
