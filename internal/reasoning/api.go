package reasoning

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// APIConfig configures an APIClient.
type APIConfig struct {
	// APIKey is required unless UseBedrock is set.
	APIKey    string
	Model     string
	MaxTokens int64
	// System is sent as the system prompt when non-empty.
	System string

	UseBedrock bool
	AWSRegion  string
	AWSProfile string

	// Options are appended to the SDK request options.
	Options []option.RequestOption
}

// APIClient calls the Anthropic Messages API.
type APIClient struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string

	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

// NewAPIClient creates an API client. The Bedrock path loads AWS credentials
// from the default chain, optionally narrowed by region and profile.
func NewAPIClient(ctx context.Context, cfg APIConfig) (*APIClient, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key is not set")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	opts = append(opts, cfg.Options...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &APIClient{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.System,
	}, nil
}

// bedrockModel maps Anthropic model names to Bedrock cross-region inference profiles.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the model sent with each request.
func (c *APIClient) Model() string {
	return string(c.model)
}

// Usage returns the input and output tokens consumed so far.
func (c *APIClient) Usage() (input, output int64) {
	return c.inputTokens.Load(), c.outputTokens.Load()
}

// Generate sends prompt as a single user message and joins the text blocks of the reply.
func (c *APIClient) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", &Error{Kind: KindTransport, Backend: "anthropic", Err: err}
	}

	c.inputTokens.Add(resp.Usage.InputTokens)
	c.outputTokens.Add(resp.Usage.OutputTokens)

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}
