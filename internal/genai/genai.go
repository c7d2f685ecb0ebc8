// Package genai provides the AI free-text responder using the OpenAI API.
//
// The conversation engine consults it when a customer's message cannot be
// bound to the current flow node; its replies never advance flow state.
package genai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = "You are a concise, friendly assistant for a real-estate " +
	"sales team on WhatsApp. Answer the customer's question in one or two " +
	"short sentences, then gently steer them back to the question they were " +
	"last asked. Never invent prices, availability, or legal terms."

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion API for off-script replies.
type Client struct {
	client openai.Client
	model  string
}

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is given.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// Respond generates a reply to an off-script customer question, seeding the
// model with whatever lead context has been captured so far.
func (c *Client) Respond(ctx context.Context, rec *models.ConversationRecord, question string) (string, error) {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if rec != nil {
		if rec.Name != "" {
			fmt.Fprintf(&sb, " The customer's name is %s.", rec.Name)
		}
		if rec.ProjectName != "" {
			fmt.Fprintf(&sb, " They are interested in the %s project.", rec.ProjectName)
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sb.String()),
			openai.UserMessage(question),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
