package llm

import (
	"context"
	"errors"
	"io"
	"net/http"

	pkgerrors "github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIBaseURL points at a local Ollama server's OpenAI-compatible API.
const DefaultOpenAIBaseURL = "http://localhost:11434/v1"

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone request to avoid mutating the original
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// Extra headers sent with every request (OpenRouter referrer/title etc).
	Headers http.Header
}

func NewOpenAI(opts OpenAIOptions) *OpenAIClient {
	config := openai.DefaultConfig(opts.APIKey)
	config.BaseURL = DefaultOpenAIBaseURL
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	if len(opts.Headers) > 0 {
		config.HTTPClient = &http.Client{Transport: headerTransport{rt: http.DefaultTransport, headers: opts.Headers}}
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(config),
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := req.Messages(c.systemPrompt)
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: oaMsgs,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating chat completion stream")
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", pkgerrors.Wrap(err, "receiving completion chunk")
		}
		// Role-only and usage chunks carry no text.
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
