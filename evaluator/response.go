package evaluator

import (
	"encoding/json"

	"github.com/hatcher/agentloop/llm"
)

// AgentResponse is the typed decision the model must return each turn.
// Actions and UserAnswer are mutually exclusive in practice: a final
// answer clears any actions the model also emitted.
type AgentResponse struct {
	UserAnswer string   `json:"user_answer,omitempty"`
	Reasoning  string   `json:"agent_reasoning,omitempty"`
	Actions    []Action `json:"actions,omitempty"`
	IsFinal    bool     `json:"is_final,omitempty"`
}

// Action is one requested tool invocation.
type Action struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
}

// parseAgentResponse decodes the model reply. Prose that carries no JSON
// object is tolerated as a plain final answer, models drift off format
// under long contexts.
func parseAgentResponse(content string) AgentResponse {
	resp, err := llm.DecodeTyped[AgentResponse](content)
	if err != nil {
		return AgentResponse{UserAnswer: content}
	}
	if resp.IsFinal {
		resp.Actions = nil
	}
	if resp.UserAnswer == "" && resp.Reasoning == "" && len(resp.Actions) == 0 {
		// Parsed an unrelated object; fall back to the raw text.
		return AgentResponse{UserAnswer: content}
	}
	return resp
}
