package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hatcher/agentloop/evaluator"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/pkg/safego"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/tools"
)

// Coordinator is the runtime's public surface: it owns the session
// registry and hands sessions to the evaluator. HTTP and WebSocket
// handlers call into it; nothing else mutates sessions.
type Coordinator struct {
	registry  *session.Registry
	evaluator *evaluator.Evaluator
	tools     *tools.Registry
	defaults  session.Config
}

func New(reg *session.Registry, eval *evaluator.Evaluator, toolReg *tools.Registry) *Coordinator {
	return &Coordinator{
		registry:  reg,
		evaluator: eval,
		tools:     toolReg,
	}
}

func (c *Coordinator) Registry() *session.Registry { return c.registry }

// SetDefaultConfig installs deployment-wide session defaults, applied to
// fields a create request leaves zero.
func (c *Coordinator) SetDefaultConfig(cfg session.Config) {
	c.defaults = cfg
}

func (c *Coordinator) applyDefaults(cfg session.Config) session.Config {
	d := c.defaults
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = d.MaxTurns
	}
	if cfg.TerminationCheckEvery == 0 {
		cfg.TerminationCheckEvery = d.TerminationCheckEvery
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = d.ToolTimeout
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = d.LLMTimeout
	}
	if cfg.JudgeTimeout == 0 {
		cfg.JudgeTimeout = d.JudgeTimeout
	}
	if cfg.TimeLimit == 0 {
		cfg.TimeLimit = d.TimeLimit
	}
	if cfg.AllowTools == nil {
		cfg.AllowTools = d.AllowTools
	}
	return cfg
}

// CreateSession allocates a new Idle session and returns its id.
func (c *Coordinator) CreateSession(ctx context.Context, ownerID, orgID string, cfg session.Config) (string, error) {
	d := c.registry.Create(ownerID, orgID, c.applyDefaults(cfg))
	logs.CtxInfof(ctx, "created session %s for owner %s", d.ID, ownerID)
	return d.ID, nil
}

// StartResearch posts the opening instruction and kicks the evaluator.
// Valid only while the session is Idle.
func (c *Coordinator) StartResearch(ctx context.Context, sessionID, instruction string) error {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	if st := d.Status(); st.Phase != session.PhaseIdle {
		return errors.WithMessagef(session.ErrInvalidTransition, "start_research on %s session", st.Phase)
	}
	// Status first: the transition causes the entry, so subscribers see
	// Running before the user message.
	if err := d.SetStatus(session.Running()); err != nil {
		return err
	}
	if instruction == "" {
		instruction = d.Config.InitialInstruction
	}
	d.RecordInitialInstruction(instruction)
	if instruction != "" {
		if _, err := d.AppendEntry(session.ConversationEntry{
			Sender:  session.Sender{Kind: session.SenderUser},
			Content: instruction,
		}); err != nil {
			return err
		}
	}

	c.kick(d)
	return nil
}

// PostMessage appends a user entry. An AwaitingUser session resumes; a
// Running one sees the message on its next turn.
func (c *Coordinator) PostMessage(ctx context.Context, sessionID, text string, attachments []session.Attachment) error {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}

	// Serialized with evaluator turns by design: the entry lands between
	// iterations, never in the middle of one.
	d.Lock()
	defer d.Unlock()

	st := d.Status()
	if st.Absorbing() {
		return errors.WithMessagef(session.ErrInvalidTransition, "post_message on %s session", st.Phase)
	}

	if _, err := d.AppendEntry(session.ConversationEntry{
		Sender:      session.Sender{Kind: session.SenderUser},
		Content:     text,
		Attachments: attachments,
	}); err != nil {
		return err
	}

	if st.Phase == session.PhaseAwaitingUser {
		if err := d.SetStatus(session.Running()); err != nil {
			return err
		}
		c.kick(d)
	}
	return nil
}

// Terminate signals cancellation and returns once the session is
// absorbing. Calling it twice is indistinguishable from once.
func (c *Coordinator) Terminate(ctx context.Context, sessionID string) error {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if d.Status().Absorbing() {
		return nil
	}

	d.Cancel()
	defer c.evaluator.Forget(sessionID)
	for {
		if !d.RunActive() {
			// No loop to notice the token; transition directly. Every
			// non-absorbing phase permits Terminated.
			err := d.SetStatus(session.Terminated(session.ReasonCancelled))
			if err == nil || errors.Is(err, session.ErrAbsorbed) {
				return nil
			}
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		err := d.WaitAbsorbed(waitCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Status returns the session's current status.
func (c *Coordinator) Status(sessionID string) (session.Status, error) {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return session.Status{}, err
	}
	return d.Status(), nil
}

// SessionState returns a consistent snapshot of status, config and log.
func (c *Coordinator) SessionState(sessionID string) (session.State, error) {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return session.State{}, err
	}
	return d.Snapshot(), nil
}

// LoadSessionState seeds a freshly created session with a prior log and
// context ledger.
func (c *Coordinator) LoadSessionState(sessionID string, entries []session.ConversationEntry, ledger []session.ContextEntry) error {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return d.LoadFrom(entries, ledger)
}

// SubscribeEvents attaches a sink to the session's event stream. The
// first events replay current status and the full log.
func (c *Coordinator) SubscribeEvents(ctx context.Context, sessionID string) (<-chan session.Event, error) {
	d, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return d.Subscribe(ctx), nil
}

// Evict removes a session from the registry.
func (c *Coordinator) Evict(sessionID string) error {
	if err := c.registry.Evict(sessionID); err != nil {
		return err
	}
	c.evaluator.Forget(sessionID)
	return nil
}

// RunSync creates a session, runs it to completion on the calling
// goroutine, and returns the final state. Events still fan out to any
// subscriber that attaches mid-run.
func (c *Coordinator) RunSync(ctx context.Context, ownerID, orgID string, cfg session.Config, instruction string) (session.State, error) {
	cfg = c.applyDefaults(cfg)
	if cfg.InitialInstruction == "" {
		cfg.InitialInstruction = instruction
	}
	d := c.registry.Create(ownerID, orgID, cfg)

	d.Lock()
	if err := d.SetStatus(session.Running()); err != nil {
		d.Unlock()
		return session.State{}, err
	}
	if _, err := d.AppendEntry(session.ConversationEntry{
		Sender:  session.Sender{Kind: session.SenderUser},
		Content: instruction,
	}); err != nil {
		d.Unlock()
		return session.State{}, err
	}
	d.Unlock()

	if d.BeginRun() {
		stop := context.AfterFunc(ctx, d.Cancel)
		defer stop()
		c.evaluator.Run(ctx, d)
	}
	return d.Snapshot(), nil
}

// kick starts the evaluator loop unless one already owns the session.
// The loop releases the run slot itself, under the turn lock, so a
// failed BeginRun here always means a live loop will see the new entry.
func (c *Coordinator) kick(d *session.Data) {
	if !d.BeginRun() {
		return
	}
	safego.Go(context.Background(), func() {
		c.evaluator.Run(context.Background(), d)
	})
}
