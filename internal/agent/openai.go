package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nimbuschat/nimbus/internal/config"
	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements LLMClient over any OpenAI-compatible chat
// completion endpoint.
type OpenAIClient struct {
	llm *openai.LLM
}

// NewOpenAIClient creates a client from the LLM configuration.
func NewOpenAIClient(cfg config.LLMConfig) (*OpenAIClient, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAIClient{llm: llm}, nil
}

// Generate issues one chat-completion request.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Completion, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		mc, err := toMessageContent(msg)
		if err != nil {
			return nil, err
		}
		content = append(content, mc)
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if len(opts.Tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toToolDefs(opts.Tools)))
	}

	resp, err := c.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}

	choice := resp.Choices[0]
	completion := &Completion{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := map[string]any{}
		if tc.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode tool arguments for %s: %w", tc.FunctionCall.Name, err)
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: args,
		})
	}
	return completion, nil
}

func toMessageContent(msg Message) (llms.MessageContent, error) {
	switch msg.Role {
	case domain.RoleSystem:
		return llms.TextParts(llms.ChatMessageTypeSystem, msg.Content), nil
	case domain.RoleHuman:
		return llms.TextParts(llms.ChatMessageTypeHuman, msg.Content), nil
	case domain.RoleAI:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if msg.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return llms.MessageContent{}, fmt.Errorf("encode tool arguments for %s: %w", tc.Name, err)
			}
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return mc, nil
	case domain.RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{
				llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.ToolName,
					Content:    msg.Content,
				},
			},
		}, nil
	default:
		return llms.MessageContent{}, fmt.Errorf("unknown message role %q", msg.Role)
	}
}

func toToolDefs(tools []Tool) []llms.Tool {
	defs := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
