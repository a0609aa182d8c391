package completion

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
)

// OpenAIConfig configures the chat-completions adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenAI calls an OpenAI-compatible chat completions endpoint in JSON mode.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

func NewOpenAI(cfg OpenAIConfig, log *logger.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log.Component("completion"),
	}, nil
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	system := req.System
	if len(req.Schema) > 0 {
		system += "\n\nRespond with a single JSON object that validates against this JSON schema:\n" + string(req.Schema)
	}
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: req.Temperature,
		Seed:        req.Seed,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		cerr := classifyOpenAIError(ctx, err)
		metrics.CompletionDuration.WithLabelValues(string(cerr.Reason)).Observe(elapsed.Seconds())
		o.log.WithError(err).WithField("reason", cerr.Reason).WithField("status", cerr.StatusCode).
			Warn("completion request failed")
		return "", cerr
	}
	metrics.CompletionDuration.WithLabelValues("ok").Observe(elapsed.Seconds())

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Reason: ReasonEmpty, Err: errors.New("no content in completion response")}
	}
	o.log.WithField("prompt_tokens", resp.Usage.PromptTokens).
		WithField("completion_tokens", resp.Usage.CompletionTokens).
		WithField("duration_ms", elapsed.Milliseconds()).Debug("completion received")
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(ctx context.Context, err error) *Error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status != 0 {
		return &Error{Reason: reasonForStatus(status), StatusCode: status, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	return &Error{Reason: ReasonUnavailable, Err: err}
}

func reasonForStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonUnavailable
	default:
		return ReasonRejected
	}
}
