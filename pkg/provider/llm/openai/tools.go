package openai

import (
	"context"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// The registry is fixed: the model can manage memories, hand the call to a
// human, and fetch headlines. Nothing else.
const (
	toolRemember     = "remember"
	toolRecall       = "recall"
	toolForget       = "forget"
	toolUpdateMemory = "update_memory"
	toolTransferCall = "transfer_call"
	toolGetNews      = "get_news"
)

// toolDefinitions returns the function schemas advertised on every
// completion request.
func toolDefinitions() []oai.ChatCompletionToolParam {
	categoryProp := map[string]any{
		"type":        "string",
		"enum":        []string{"family", "health", "preferences", "topics_to_avoid", "general"},
		"description": "Which area of the caller's life this belongs to",
	}
	keyProp := map[string]any{
		"type":        "string",
		"description": "The memory's identifier, e.g. daughter-susan-visits",
	}

	return []oai.ChatCompletionToolParam{
		toolDef(toolRemember,
			"Store something the caller shared so future calls can bring it up",
			map[string]any{
				"content":  map[string]any{"type": "string", "description": "What to remember, one plain sentence"},
				"category": categoryProp,
			},
			[]string{"content", "category"}),
		toolDef(toolRecall,
			"Look up a stored memory by its identifier",
			map[string]any{"key": keyProp},
			[]string{"key"}),
		toolDef(toolForget,
			"Delete a stored memory the caller asked you to drop",
			map[string]any{"key": keyProp},
			[]string{"key"}),
		toolDef(toolUpdateMemory,
			"Replace the content of a stored memory when details changed",
			map[string]any{
				"key":      keyProp,
				"content":  map[string]any{"type": "string", "description": "The corrected content"},
				"category": categoryProp,
			},
			[]string{"key", "content"}),
		toolDef(toolTransferCall,
			"Hand the call over to a family member or caregiver when the caller is distressed or asks for a real person",
			map[string]any{
				"reason": map[string]any{"type": "string", "description": "Why the call is being handed over"},
			},
			[]string{"reason"}),
		toolDef(toolGetNews,
			"Fetch a few current headlines to chat about",
			map[string]any{
				"category": map[string]any{"type": "string", "description": "Topic such as world, local, or weather"},
			},
			nil),
	}
}

func toolDef(name, description string, properties map[string]any, required []string) oai.ChatCompletionToolParam {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return oai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        name,
			Description: param.NewOpt(description),
			Parameters:  shared.FunctionParameters(schema),
		},
	}
}

// invoke decodes a tool call's arguments and routes it to the registry.
func (c *Client) invoke(ctx context.Context, tc toolCall) (string, error) {
	if c.funcs == nil {
		return "", fmt.Errorf("openai: no function registry configured")
	}

	var args struct {
		Content  string `json:"content"`
		Category string `json:"category"`
		Key      string `json:"key"`
		Reason   string `json:"reason"`
	}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return "", fmt.Errorf("openai: decode %s arguments: %w", tc.Name, err)
		}
	}

	c.log.Info("function call", "function", tc.Name, "key", args.Key, "category", args.Category)

	switch tc.Name {
	case toolRemember:
		return c.funcs.Remember(ctx, args.Content, args.Category)
	case toolRecall:
		return c.funcs.Recall(ctx, args.Key)
	case toolForget:
		return c.funcs.Forget(ctx, args.Key)
	case toolUpdateMemory:
		return c.funcs.UpdateMemory(ctx, args.Key, args.Content, args.Category)
	case toolTransferCall:
		return c.funcs.TransferCall(ctx, args.Reason)
	case toolGetNews:
		return c.funcs.GetNews(ctx, args.Category)
	default:
		return "", fmt.Errorf("openai: unknown function %q", tc.Name)
	}
}
