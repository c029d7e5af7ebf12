package llm

import "context"

// Role is the message role used in chat exchanges.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single message exchanged with the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name tags tool messages with the tool that produced them.
	Name string `json:"name,omitempty"`
}

// Request is the input for one completion.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature float64
}

// Usage captures token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is one completion.
type Response struct {
	Content string
	Usage   Usage
}

// Backend is the pluggable LLM capability. Implementations must honor
// ctx cancellation and deadlines.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
