// Package llm is the shared chat-completion client composed by the
// split STT+TTS flavors (deepgram, azure) once a caller utterance's
// sentence boundary is detected. Grounded on
// _examples/original_source/src/chatgpt.py's ChatGPT class: one
// deployment-scoped client shared across calls, with each call's
// conversation history kept in a separate context keyed by its session
// key, per SPEC_FULL 5's "Shared LLM client" note and DESIGN NOTE on
// class-level mutable defaults being deployment-scoped singletons, not
// per-call state.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultHint = "Please answer with simple text messages."

// Client is a process-wide chat-completion client; construct one per
// deployment (per API key) and share it across calls.
type Client struct {
	api   openai.Client
	model string

	mu       sync.Mutex
	contexts map[string][]openai.ChatCompletionMessageParamUnion
}

// New builds a Client for model, authenticating with apiKey.
func New(apiKey, model string) *Client {
	return &Client{
		api:      openai.NewClient(option.WithAPIKey(apiKey)),
		model:    model,
		contexts: make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

// CreateCall seeds a fresh conversation context for callKey, optionally
// with a system-prompt hint (falling back to a generic instruction).
func (c *Client) CreateCall(callKey, hint string) {
	if hint == "" {
		hint = defaultHint
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[callKey] = []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(hint),
	}
}

// DeleteCall discards callKey's conversation context.
func (c *Client) DeleteCall(callKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contexts, callKey)
}

// Send appends message to callKey's context, requests a completion, and
// records the assistant's reply back into the context before returning it.
func (c *Client) Send(ctx context.Context, callKey, message string) (string, error) {
	c.mu.Lock()
	history, ok := c.contexts[callKey]
	if !ok {
		history = []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(defaultHint)}
	}
	history = append(history, openai.UserMessage(message))
	c.mu.Unlock()

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: history,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion response")
	}
	content := resp.Choices[0].Message.Content

	c.mu.Lock()
	history = append(history, openai.AssistantMessage(content))
	c.contexts[callKey] = history
	c.mu.Unlock()

	return content, nil
}
