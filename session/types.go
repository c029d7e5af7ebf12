package session

import (
	"encoding/json"
	"time"
)

const (
	defaultMaxTurns              = 32
	defaultTerminationCheckEvery = 1
	defaultToolTimeout           = 2 * time.Minute
	defaultLLMTimeout            = 5 * time.Minute
)

// Config are the per-session knobs. Zero values are filled in by Prepare.
type Config struct {
	InitialInstruction    string        `json:"initial_instruction,omitempty" yaml:"initial_instruction" mapstructure:"initial-instruction"`
	MaxTurns              int           `json:"max_turns,omitempty" yaml:"max_turns" mapstructure:"max-turns"`
	TerminationCheckEvery int           `json:"termination_check_every,omitempty" yaml:"termination_check_every" mapstructure:"termination-check-every"`
	ToolTimeout           time.Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout" mapstructure:"tool-timeout"`
	LLMTimeout            time.Duration `json:"llm_timeout,omitempty" yaml:"llm_timeout" mapstructure:"llm-timeout"`
	JudgeTimeout          time.Duration `json:"judge_timeout,omitempty" yaml:"judge_timeout" mapstructure:"judge-timeout"`
	TimeLimit             time.Duration `json:"time_limit,omitempty" yaml:"time_limit" mapstructure:"time-limit"`
	AllowTools            []string      `json:"allow_tools,omitempty" yaml:"allow_tools" mapstructure:"allow-tools"`
}

func (c *Config) Prepare() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.TerminationCheckEvery <= 0 {
		c.TerminationCheckEvery = defaultTerminationCheckEvery
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaultLLMTimeout
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = c.LLMTimeout / 4
	}
}

// ToolAllowed reports whether name passes the allow-list. An empty list
// means every registered tool is allowed.
func (c Config) ToolAllowed(name string) bool {
	if len(c.AllowTools) == 0 {
		return true
	}
	for _, t := range c.AllowTools {
		if t == name {
			return true
		}
	}
	return false
}

type SenderKind string

const (
	SenderUser  SenderKind = "user"
	SenderAgent SenderKind = "agent"
	SenderTool  SenderKind = "tool"
)

// Sender identifies who produced a conversation entry. ToolName is set
// only when Kind is SenderTool.
type Sender struct {
	Kind     SenderKind `json:"kind"`
	ToolName string     `json:"tool_name,omitempty"`
}

// ToolChoice is the agent's structured decision to invoke a tool. The
// parameters stay raw until the dispatcher validates them against the
// tool's schema.
type ToolChoice struct {
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
}

// UserToolResponse is the human-facing face of a tool result.
type UserToolResponse struct {
	ToolName string          `json:"tool_name"`
	Title    string          `json:"title"`
	Icon     string          `json:"icon,omitempty"`
	Preview  json.RawMessage `json:"preview,omitempty"`
}

// ToolResult pairs the structured payload fed back to the LLM with the
// summary shown to clients.
type ToolResult struct {
	Full    json.RawMessage  `json:"full"`
	User    UserToolResponse `json:"user"`
	IsError bool             `json:"is_error,omitempty"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ConversationEntry is one immutable record in a session's log.
type ConversationEntry struct {
	ID           string       `json:"id"`
	ParentID     string       `json:"parent_id,omitempty"`
	Depth        int          `json:"depth"`
	Sender       Sender       `json:"sender"`
	Content      string       `json:"content"`
	CreatedAt    time.Time    `json:"created_at"`
	ToolChoice   *ToolChoice  `json:"tool_choice,omitempty"`
	ToolResponse *ToolResult  `json:"tool_response,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// ContextEntry is a note the agent saved into its working ledger via the
// save_context tool. It survives compaction.
type ContextEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
