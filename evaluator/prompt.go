package evaluator

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hatcher/agentloop/llm"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/tools"
)

//go:embed prompts/system.md
var systemPrompt string

//go:embed prompts/judge.md
var judgePrompt string

// historyWindow caps how many trailing entries the model sees. Older
// turns are summarized as a count; the context ledger carries what must
// survive.
const defaultHistoryWindow = 40

// renderSystem builds the system prompt: instructions, the allowed tool
// catalog, and the session's saved context notes.
func renderSystem(schemas []tools.Schema, allowed func(string) bool, ledger []session.ContextEntry) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	sb.WriteString("\n## Tool catalog\n\n")
	n := 0
	for _, s := range schemas {
		if allowed != nil && !allowed(s.Name) {
			continue
		}
		n++
		fmt.Fprintf(&sb, "### %s\n%s\nParameters schema:\n%s\n\n", s.Name, s.Description, string(s.Parameters))
	}
	if n == 0 {
		sb.WriteString("(no tools available; answer directly)\n")
	}

	if len(ledger) > 0 {
		sb.WriteString("\n## Saved context\n\n")
		sb.WriteString(renderLedger(ledger))
	}
	return sb.String()
}

type ledgerNote struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// renderLedger emits the saved notes as a YAML block. Models follow a
// fenced structured block more reliably than loose bullets.
func renderLedger(ledger []session.ContextEntry) string {
	notes := make([]ledgerNote, 0, len(ledger))
	for _, e := range ledger {
		notes = append(notes, ledgerNote{Key: e.Key, Value: e.Value})
	}
	out, err := yaml.Marshal(notes)
	if err != nil {
		return ""
	}
	return "```yaml\n" + string(out) + "```\n"
}

// renderHistory converts the log tail into chat messages. Tool entries
// carry the full response so the model can react to results and errors.
func renderHistory(entries []session.ConversationEntry, total int) []llm.Message {
	var msgs []llm.Message
	if dropped := total - len(entries); dropped > 0 {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("(%d earlier entries omitted; rely on saved context)", dropped),
		})
	}
	for _, e := range entries {
		switch e.Sender.Kind {
		case session.SenderUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: e.Content})
		case session.SenderAgent:
			content := e.Content
			if e.ToolChoice != nil {
				body, _ := json.Marshal(e.ToolChoice)
				content = fmt.Sprintf("%s\ntool call: %s", content, body)
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: content})
		case session.SenderTool:
			content := e.Content
			if e.ToolResponse != nil {
				content = string(e.ToolResponse.Full)
			}
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleTool,
				Name:    e.Sender.ToolName,
				Content: content,
			})
		}
	}
	return msgs
}

// renderJudge builds the bounded judge request: the initial instruction,
// a short tail of the log, and the saved context.
func renderJudge(d *session.Data, tailSize int) llm.Request {
	var sb strings.Builder
	if inst := d.Config.InitialInstruction; inst != "" {
		fmt.Fprintf(&sb, "Original goal:\n%s\n\n", inst)
	}
	if ledger := d.ContextLedger(); len(ledger) > 0 {
		sb.WriteString("Saved context:\n")
		sb.WriteString(renderLedger(ledger))
		sb.WriteString("\n")
	}
	sb.WriteString("Recent conversation:\n")
	for _, e := range d.LogTail(tailSize) {
		content := e.Content
		if e.ToolResponse != nil {
			content = string(e.ToolResponse.Full)
		}
		who := string(e.Sender.Kind)
		if e.Sender.ToolName != "" {
			who = "tool:" + e.Sender.ToolName
		}
		fmt.Fprintf(&sb, "[%s] %s\n", who, content)
	}
	return llm.Request{
		System:   judgePrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
	}
}
