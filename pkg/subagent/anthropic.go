package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
)

const systemPrompt = "You are a delivery subagent inside an orchestration engine. " +
	"Work on the task using only the tools provided. Every tool call is checked " +
	"against an approved plan; rejected calls must not be retried. Reply with a " +
	"short summary when the task is done."

// MessagesClient is the slice of the Anthropic SDK the gateway uses.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	messages  MessagesClient
	model     sdk.Model
	maxTokens int64
}

// NewAnthropicClient builds a live client. The model defaults to a
// current Sonnet when empty.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("subagent live mode requires ANTHROPIC_API_KEY")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return newAnthropicClient(&ac.Messages, model), nil
}

func newAnthropicClient(messages MessagesClient, model string) *AnthropicClient {
	if model == "" {
		model = defaultModel
	}
	return &AnthropicClient{messages: messages, model: sdk.Model(model), maxTokens: defaultMaxTokens}
}

// Step sends the conversation and translates the reply into text plus
// proposed tool requests.
func (c *AnthropicClient) Step(ctx context.Context, task string, history []Message, tools []ToolDef) (*StepOutput, error) {
	params := sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  buildMessages(task, history),
		Tools:     buildTools(tools),
	}
	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message: %w", err)
	}

	out := &StepOutput{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input, merr := json.Marshal(block.Input)
			if merr != nil {
				input = nil
			}
			out.Requests = append(out.Requests, ToolRequest{
				ID:     block.ID,
				ToolID: block.Name,
				Input:  input,
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

// buildMessages converts the gateway conversation into SDK turns. The
// task is always the opening user message.
func buildMessages(task string, history []Message) []sdk.MessageParam {
	messages := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(task))}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(turn.Requests)+1)
			if turn.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(turn.Text))
			}
			for _, req := range turn.Requests {
				blocks = append(blocks, sdk.NewToolUseBlock(req.ID, req.Input, req.ToolID))
			}
			if len(blocks) > 0 {
				messages = append(messages, sdk.NewAssistantMessage(blocks...))
			}
		default:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(turn.Results)+1)
			for _, res := range turn.Results {
				blocks = append(blocks, sdk.NewToolResultBlock(res.ID, resultContent(res), res.Status == "rejected"))
			}
			if turn.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(turn.Text))
			}
			if len(blocks) > 0 {
				messages = append(messages, sdk.NewUserMessage(blocks...))
			}
		}
	}
	return messages
}

func resultContent(res ToolResult) string {
	if res.Status == "rejected" {
		return res.Reason
	}
	return string(res.Output)
}

// buildTools advertises each planned tool with a permissive object schema;
// tool inputs are adjudicated by the gateway, not the schema.
func buildTools(defs []ToolDef) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{
			ExtraFields: map[string]any{
				"properties":           map[string]any{},
				"additionalProperties": true,
			},
		}
		tool := sdk.ToolUnionParamOfTool(schema, def.ID)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
