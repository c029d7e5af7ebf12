package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hatcher/agentloop/pubsub"
)

// Data is one live session record. Two locks with distinct jobs:
//
//   - stateMu guards the status, log and ledger, and is held across the
//     publish of every event they cause. That makes a subscriber's replay
//     snapshot atomic with respect to live events.
//   - runMu serializes evaluator turns. It is taken for the whole turn,
//     including the LLM and tool awaits, so at most one turn is in flight.
//
// stateMu is never held across I/O; runMu never nests inside stateMu.
type Data struct {
	ID        string
	OwnerID   string
	OrgID     string
	Config    Config
	CreatedAt time.Time

	broker *pubsub.Broker[Event]

	runMu   sync.Mutex
	running atomic.Bool

	stateMu  sync.Mutex
	status   Status
	log      Log
	ledger   []ContextEntry
	turns    int
	absorbed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newData(ownerID, orgID string, cfg Config) *Data {
	cfg.Prepare()
	ctx, cancel := context.WithCancel(context.Background())
	return &Data{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		OrgID:     orgID,
		Config:    cfg,
		CreatedAt: time.Now(),
		broker:    pubsub.NewBroker[Event](),
		status:    Idle(),
		absorbed:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Lock takes the turn mutex. The evaluator holds it for a full iteration.
func (d *Data) Lock()   { d.runMu.Lock() }
func (d *Data) Unlock() { d.runMu.Unlock() }

// BeginRun claims the single evaluator loop slot. Returns false when a
// loop already owns the session.
func (d *Data) BeginRun() bool  { return d.running.CompareAndSwap(false, true) }
func (d *Data) EndRun()         { d.running.Store(false) }
func (d *Data) RunActive() bool { return d.running.Load() }

// Context is the session's cancellation scope. Cancel signals it; every
// in-flight LLM or tool call derives from it.
func (d *Data) Context() context.Context { return d.ctx }
func (d *Data) Cancel()                  { d.cancel() }

func (d *Data) Cancelled() bool {
	select {
	case <-d.ctx.Done():
		return true
	default:
		return false
	}
}

func (d *Data) Status() Status {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.status
}

func (d *Data) Turns() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.turns
}

// SetStatus validates and applies a transition, publishing StatusChanged
// and, for absorbing targets, the trailing Error/Terminated events in the
// required order.
func (d *Data) SetStatus(to Status) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.setStatusLocked(to)
}

func (d *Data) setStatusLocked(to Status) error {
	if d.status.Absorbing() {
		return ErrAbsorbed
	}
	if err := ValidateTransition(d.status, to); err != nil {
		return err
	}
	d.status = to
	d.broker.Publish(statusChangedEvent(d.ID, to))
	switch to.Phase {
	case PhaseTerminated:
		d.broker.Publish(terminatedEvent(d.ID, to.Reason))
	case PhaseFailed:
		d.broker.Publish(errorEvent(d.ID, to.Error))
		d.broker.Publish(terminatedEvent(d.ID, "failed"))
	}
	if to.Absorbing() {
		close(d.absorbed)
	}
	return nil
}

// AppendEntry adds an entry to the log and publishes EntryAppended. The
// turn counter tracks Agent entries. Fails once the session is absorbing.
func (d *Data) AppendEntry(e ConversationEntry) (int, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Absorbing() {
		return 0, ErrAbsorbed
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	pos := d.log.Append(e)
	if e.Sender.Kind == SenderAgent {
		d.turns++
	}
	d.broker.Publish(entryAppendedEvent(d.ID, e))
	return pos, nil
}

func (d *Data) PublishToolStarted(name, callID string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Absorbing() {
		return
	}
	d.broker.Publish(toolStartedEvent(d.ID, name, callID))
}

func (d *Data) PublishToolCompleted(callID string, resp UserToolResponse, success bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Absorbing() {
		return
	}
	d.broker.Publish(toolCompletedEvent(d.ID, callID, resp, success))
}

// SetProgress updates the Running payload and publishes a Progress event.
// Ignored outside Running.
func (d *Data) SetProgress(value float64) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Phase != PhaseRunning {
		return
	}
	d.status.Progress = &value
	d.broker.Publish(progressEvent(d.ID, value))
}

func (d *Data) PublishError(message string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Absorbing() {
		return
	}
	d.broker.Publish(errorEvent(d.ID, message))
}

// Subscribe registers a sink whose first events replay the current state:
// StatusChanged with the present status, then EntryAppended for every
// existing entry in order, then the live stream. The replay is atomic
// against concurrent publishes.
func (d *Data) Subscribe(ctx context.Context) <-chan Event {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	replay := make([]Event, 0, d.log.Len()+1)
	replay = append(replay, statusChangedEvent(d.ID, d.status))
	for _, e := range d.log.Snapshot() {
		replay = append(replay, entryAppendedEvent(d.ID, e))
	}
	return d.broker.SubscribeWithSnapshot(ctx, replay)
}

func (d *Data) SubscriberCount() int {
	return d.broker.GetSubscriberCount()
}

// State is a consistent point-in-time view of a session.
type State struct {
	SessionID string              `json:"session_id"`
	Status    Status              `json:"status"`
	Config    Config              `json:"config"`
	Log       []ConversationEntry `json:"conversation_log"`
	Context   []ContextEntry      `json:"context,omitempty"`
	Turns     int                 `json:"turns"`
}

func (d *Data) Snapshot() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return State{
		SessionID: d.ID,
		Status:    d.status,
		Config:    d.Config,
		Log:       d.log.Snapshot(),
		Context:   append([]ContextEntry(nil), d.ledger...),
		Turns:     d.turns,
	}
}

// RecordInitialInstruction fills Config.InitialInstruction when the
// create request left it empty. Config is otherwise write-once at
// creation; routing the one late write through stateMu keeps Snapshot
// readers consistent.
func (d *Data) RecordInitialInstruction(instruction string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if instruction == "" || d.Config.InitialInstruction != "" {
		return
	}
	d.Config.InitialInstruction = instruction
}

// LoadFrom seeds a fresh session with a prior log and context ledger.
// Only an Idle session with an empty log accepts it.
func (d *Data) LoadFrom(entries []ConversationEntry, ledger []ContextEntry) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.status.Phase != PhaseIdle {
		return ErrNotIdle
	}
	if err := d.log.LoadFrom(entries); err != nil {
		return err
	}
	d.turns = d.log.AgentTurns()
	d.ledger = append([]ContextEntry(nil), ledger...)
	for _, e := range entries {
		d.broker.Publish(entryAppendedEvent(d.ID, e))
	}
	return nil
}

// SaveContext upserts a ledger note by key, keeping first-save order.
func (d *Data) SaveContext(entry ContextEntry) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	for i, e := range d.ledger {
		if e.Key == entry.Key {
			d.ledger[i] = entry
			return
		}
	}
	d.ledger = append(d.ledger, entry)
}

func (d *Data) ContextLedger() []ContextEntry {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return append([]ContextEntry(nil), d.ledger...)
}

// LogTail returns up to n trailing log entries.
func (d *Data) LogTail(n int) []ConversationEntry {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.log.Tail(n)
}

// WaitAbsorbed blocks until the session reaches Terminated or Failed, or
// the caller's context expires.
func (d *Data) WaitAbsorbed(ctx context.Context) error {
	select {
	case <-d.absorbed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Data) shutdown() {
	d.cancel()
	d.broker.Shutdown()
}

// Registry owns the live session map. Its lock guards only the map
// structure; each Data carries its own locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Data
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Data)}
}

func (r *Registry) Create(ownerID, orgID string, cfg Config) *Data {
	d := newData(ownerID, orgID, cfg)
	r.mu.Lock()
	r.sessions[d.ID] = d
	r.mu.Unlock()
	return d
}

func (r *Registry) Get(id string) (*Data, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (r *Registry) UpdateStatus(id string, to Status) error {
	d, err := r.Get(id)
	if err != nil {
		return err
	}
	return d.SetStatus(to)
}

func (r *Registry) AppendEntry(id string, e ConversationEntry) (int, error) {
	d, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return d.AppendEntry(e)
}

func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	d, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	d.shutdown()
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of live sessions, for sweepers and shutdown.
func (r *Registry) All() []*Data {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Data, 0, len(r.sessions))
	for _, d := range r.sessions {
		out = append(out, d)
	}
	return out
}

func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Data)
	r.mu.Unlock()
	for _, d := range sessions {
		d.shutdown()
	}
}
