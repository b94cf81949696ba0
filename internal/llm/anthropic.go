// Package llm provides the generative reasoning backend used by the
// decision engine, backed by the Anthropic API directly or through AWS
// Bedrock.
package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/conductor/internal/decision"
)

const systemPrompt = "You answer workflow decisions precisely and report calibrated confidence. " +
	"Reply with a single JSON object and nothing else."

// Config contains configuration for creating a Generator.
type Config struct {
	// Model is the Claude model to use. Defaults to Sonnet 4.
	Model string
	// MaxTokens bounds each response.
	MaxTokens int64
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes requests through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// Generator implements decision.Generator on the Anthropic Messages API.
type Generator struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     *Usage
}

var _ decision.Generator = (*Generator)(nil)

// New creates a Generator. A missing API key is an error unless Bedrock
// is used.
func New(cfg Config) (*Generator, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic api key is not configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = BedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Generator{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		usage:     &Usage{},
	}, nil
}

// BedrockModel converts Anthropic model names to Bedrock cross-region
// inference profiles. Unknown names are returned unchanged.
func BedrockModel(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}

// Model returns the configured model name.
func (g *Generator) Model() anthropic.Model {
	return g.model
}

// Usage returns the token usage accumulated by this generator.
func (g *Generator) Usage() *Usage {
	return g.usage
}

// Generate sends prompt as a single user message and concatenates the
// text blocks of the reply.
func (g *Generator) Generate(ctx context.Context, prompt string, temperature float64) (decision.Generation, error) {
	resp, err := g.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return decision.Generation{}, fmt.Errorf("messages.new: %w", err)
	}

	g.usage.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	if text == "" {
		return decision.Generation{}, fmt.Errorf("response contained no text (stop reason %s)", resp.StopReason)
	}

	return decision.Generation{
		Text:         text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Usage tracks token usage across calls.
type Usage struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// Add records token usage from one call.
func (u *Usage) Add(input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTok += input
	u.outputTok += output
	u.calls++
}

// Total returns the total input and output tokens.
func (u *Usage) Total() (input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputTok, u.outputTok
}

// Calls returns the number of calls recorded.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}
