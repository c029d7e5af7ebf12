package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hatcher/agentloop/llm"
	"github.com/hatcher/agentloop/pkg/csync"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/tools"
)

const llmMaxAttempts = 4

// Evaluator drives sessions turn by turn: prompt the model, apply its
// decision, dispatch tools, consult the judge. One Evaluator serves all
// sessions; per-session serialization comes from the session's own lock.
type Evaluator struct {
	backend       llm.Backend
	judgeBackend  llm.Backend
	tools         *tools.Registry
	historyWindow int

	// per-session count of already-summarized entries
	compacted *csync.Map[string, int]
}

type Option func(*Evaluator)

// WithJudgeBackend routes termination checks to a different (typically
// smaller) model.
func WithJudgeBackend(b llm.Backend) Option {
	return func(e *Evaluator) { e.judgeBackend = b }
}

func WithHistoryWindow(n int) Option {
	return func(e *Evaluator) { e.historyWindow = n }
}

func New(backend llm.Backend, registry *tools.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		backend:       backend,
		judgeBackend:  backend,
		tools:         registry,
		historyWindow: defaultHistoryWindow,
		compacted:     csync.NewMap[string, int](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome of one turn.
type outcome int

const (
	outcomeContinue outcome = iota // loop again, the model must see tool results
	outcomeYield                   // text answer, wait for the user
	outcomeStopped                 // session reached an absorbing state
)

// Run executes turns until the session yields to the user or absorbs.
// It is the only writer of the session while it runs: the session lock
// is held across each full iteration. The caller claims the run slot
// with BeginRun; Run releases it before the final unlock, so whoever
// acquires the lock next on a yielded session can re-claim the slot —
// a wakeup posted in that window is never lost.
func (e *Evaluator) Run(ctx context.Context, d *session.Data) {
	for {
		d.Lock()
		out := e.turn(ctx, d)
		if out != outcomeContinue {
			d.EndRun()
			d.Unlock()
			return
		}
		d.Unlock()
	}
}

// turn is one evaluator iteration, executed under the session lock.
func (e *Evaluator) turn(ctx context.Context, d *session.Data) outcome {
	if d.Status().Absorbing() {
		return outcomeStopped
	}
	if d.Cancelled() || ctx.Err() != nil {
		return e.terminate(d, session.ReasonCancelled)
	}
	if limit := d.Config.TimeLimit; limit > 0 && time.Since(d.CreatedAt) > limit {
		return e.terminate(d, session.ReasonTimeLimit)
	}

	resp, err := e.completeTurn(ctx, d)
	if err != nil {
		if isCancellation(err) {
			return e.terminate(d, session.ReasonCancelled)
		}
		logs.Errorf("session %s: llm turn failed: %v", d.ID, err)
		return e.fail(d, err)
	}
	decision := parseAgentResponse(resp.Content)

	entry := session.ConversationEntry{
		ID:      uuid.New().String(),
		Sender:  session.Sender{Kind: session.SenderAgent},
		Content: agentContent(decision),
	}
	if len(decision.Actions) > 0 {
		entry.ToolChoice = &session.ToolChoice{
			CallID:     uuid.New().String(),
			ToolName:   decision.Actions[0].ToolName,
			Parameters: decision.Actions[0].Parameters,
		}
	}
	if _, err := d.AppendEntry(entry); err != nil {
		return outcomeStopped
	}

	toolTurn := len(decision.Actions) > 0
	if toolTurn {
		if out := e.dispatchActions(ctx, d, entry, decision.Actions); out != outcomeContinue {
			return out
		}
	}

	turns := d.Turns()
	if turns >= d.Config.MaxTurns {
		return e.terminate(d, session.ReasonMaxTurns)
	}
	if turns%d.Config.TerminationCheckEvery == 0 {
		if stop, reasoning := e.judge(ctx, d); stop {
			logs.Infof("session %s: judge terminates: %s", d.ID, reasoning)
			return e.terminate(d, session.ReasonGoalMet)
		}
	}

	if toolTurn {
		return outcomeContinue
	}
	if d.Cancelled() {
		return e.terminate(d, session.ReasonCancelled)
	}
	if err := d.SetStatus(session.AwaitingUser()); err != nil {
		logs.Warnf("session %s: yield failed: %v", d.ID, err)
		return outcomeStopped
	}
	return outcomeYield
}

// completeTurn renders the prompt and calls the model under llm_timeout
// with the shared retry policy. Entries that fell out of the history
// window are first folded into the context ledger.
func (e *Evaluator) completeTurn(ctx context.Context, d *session.Data) (*llm.Response, error) {
	snap := d.Snapshot()
	tail := tailOf(snap.Log, e.historyWindow)
	if dropped := len(snap.Log) - len(tail); dropped > 0 {
		e.compactHistory(ctx, d, snap.Log[:dropped])
		snap.Context = d.ContextLedger()
	}
	req := llm.Request{
		System:   renderSystem(e.tools.ListSchemas(), d.Config.ToolAllowed, snap.Context),
		Messages: renderHistory(tail, len(snap.Log)),
	}

	callCtx, cancel := joinContexts(ctx, d.Context(), d.Config.LLMTimeout)
	defer cancel()
	return llm.CompleteWithRetry(callCtx, e.backend, req, llmMaxAttempts)
}

const compactionPrompt = `Summarize the following conversation fragment in under 200 words. Keep every fact, decision, and tool result a continuing agent would still need.`

// compactHistory summarizes the entries the model can no longer see into
// a single ledger note, using the judge model. Failures cost only the
// summary, never the turn.
func (e *Evaluator) compactHistory(ctx context.Context, d *session.Data, dropped []session.ConversationEntry) {
	if done, _ := e.compacted.Get(d.ID); len(dropped) <= done {
		return
	}

	var sb strings.Builder
	for _, entry := range dropped {
		content := entry.Content
		if entry.ToolResponse != nil {
			content = string(entry.ToolResponse.Full)
		}
		who := string(entry.Sender.Kind)
		if entry.Sender.ToolName != "" {
			who = "tool:" + entry.Sender.ToolName
		}
		fmt.Fprintf(&sb, "[%s] %s\n", who, content)
	}
	req := llm.Request{
		System:   compactionPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
	}

	callCtx, cancel := joinContexts(ctx, d.Context(), d.Config.JudgeTimeout)
	defer cancel()
	resp, err := e.judgeBackend.Complete(callCtx, req)
	if err != nil || resp.Content == "" {
		logs.Warnf("session %s: history compaction failed, continuing: %v", d.ID, err)
		return
	}
	d.SaveContext(session.ContextEntry{Key: "history_summary", Value: resp.Content})
	e.compacted.Set(d.ID, len(dropped))
}

// dispatchActions executes the turn's tool calls in order, recording one
// Tool entry and one ToolCompleted per ToolStarted. Failures become
// error-bearing entries the model can reason about next turn.
func (e *Evaluator) dispatchActions(ctx context.Context, d *session.Data, agentEntry session.ConversationEntry, actions []Action) outcome {
	tc := tools.Context{
		SessionID: d.ID,
		OwnerID:   d.OwnerID,
		OrgID:     d.OrgID,
		Sink:      d,
	}
	for i, action := range actions {
		callID := agentEntry.ToolChoice.CallID
		if i > 0 {
			callID = uuid.New().String()
		}
		choice := session.ToolChoice{
			CallID:     callID,
			ToolName:   action.ToolName,
			Parameters: action.Parameters,
		}

		d.PublishToolStarted(choice.ToolName, choice.CallID)

		callCtx, cancel := joinContexts(ctx, d.Context(), 0)
		result, err := e.tools.Dispatch(callCtx, tc, choice, d.Config.ToolAllowed, d.Config.ToolTimeout)
		cancel()

		if err != nil {
			if isCancellation(err) {
				d.PublishToolCompleted(choice.CallID, session.UserToolResponse{
					ToolName: choice.ToolName,
					Title:    "Cancelled",
					Icon:     "stop",
				}, false)
				return e.terminate(d, session.ReasonCancelled)
			}
			result = failureResult(choice.ToolName, err)
		}

		entry := session.ConversationEntry{
			ParentID:     agentEntry.ID,
			Depth:        agentEntry.Depth + 1,
			Sender:       session.Sender{Kind: session.SenderTool, ToolName: choice.ToolName},
			Content:      result.User.Title,
			ToolResponse: &result,
		}
		if _, err := d.AppendEntry(entry); err != nil {
			return outcomeStopped
		}
		d.PublishToolCompleted(choice.CallID, result.User, !result.IsError)
	}
	return outcomeContinue
}

// judge runs the termination check: one attempt, small timeout, and on
// any failure the session keeps going.
func (e *Evaluator) judge(ctx context.Context, d *session.Data) (bool, string) {
	req := renderJudge(d, 12)

	callCtx, cancel := joinContexts(ctx, d.Context(), d.Config.JudgeTimeout)
	defer cancel()

	resp, err := e.judgeBackend.Complete(callCtx, req)
	if err != nil {
		logs.Warnf("session %s: judge call failed, continuing: %v", d.ID, err)
		return false, ""
	}
	decision, err := llm.DecodeTyped[judgeDecision](resp.Content)
	if err != nil {
		logs.Warnf("session %s: judge reply unparseable, continuing: %v", d.ID, err)
		return false, ""
	}
	return decision.ShouldTerminate, decision.Reasoning
}

type judgeDecision struct {
	ShouldTerminate bool   `json:"should_terminate"`
	Reasoning       string `json:"reasoning"`
}

// Forget drops per-session bookkeeping. The terminal transitions call
// it themselves; hosts that terminate or evict a session outside the
// loop call it so long-lived daemons do not accumulate entries.
func (e *Evaluator) Forget(sessionID string) {
	e.compacted.Del(sessionID)
}

func (e *Evaluator) terminate(d *session.Data, reason string) outcome {
	if err := d.SetStatus(session.Terminated(reason)); err != nil && !errors.Is(err, session.ErrAbsorbed) {
		logs.Warnf("session %s: terminate(%s) failed: %v", d.ID, reason, err)
	}
	e.Forget(d.ID)
	return outcomeStopped
}

func (e *Evaluator) fail(d *session.Data, cause error) outcome {
	if err := d.SetStatus(session.Failed(cause)); err != nil && !errors.Is(err, session.ErrAbsorbed) {
		logs.Warnf("session %s: fail transition error: %v", d.ID, err)
	}
	e.Forget(d.ID)
	return outcomeStopped
}

func agentContent(decision AgentResponse) string {
	if decision.UserAnswer != "" {
		return decision.UserAnswer
	}
	return decision.Reasoning
}

func failureResult(toolName string, err error) session.ToolResult {
	full, _ := json.Marshal(map[string]string{"error": err.Error()})
	return session.ToolResult{
		Full:    full,
		IsError: true,
		User: session.UserToolResponse{
			ToolName: toolName,
			Title:    fmt.Sprintf("%s failed", toolName),
			Icon:     "warning",
		},
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func tailOf(entries []session.ConversationEntry, n int) []session.ConversationEntry {
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// joinContexts derives a call context cancelled by either parent, with an
// optional timeout.
func joinContexts(a, b context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	if timeout > 0 {
		tctx, tcancel := context.WithTimeout(ctx, timeout)
		return tctx, func() { tcancel(); stop(); cancel() }
	}
	return ctx, func() { stop(); cancel() }
}
