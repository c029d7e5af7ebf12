package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/hatcher/agentloop/pkg/safego"
	"github.com/hatcher/agentloop/session"
)

// Sink is the slice of the session a tool handler may write to.
// *session.Data satisfies it.
type Sink interface {
	SaveContext(entry session.ContextEntry)
	SetProgress(value float64)
}

// Context carries the per-dispatch environment into a handler. The
// context.Context passed alongside it carries cancellation and the
// dispatch deadline.
type Context struct {
	SessionID string
	OwnerID   string
	OrgID     string
	Sink      Sink
}

// Response is what a handler returns: the structured payload the LLM sees
// next turn, and the human-facing summary for clients.
type Response struct {
	Full any
	User session.UserToolResponse
}

// Schema is one entry of the tool catalog shown to the LLM. Parameters is
// the JSON schema generated from the handler's typed parameter struct, so
// prompting and validation can never drift apart.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters_schema"`
}

type tool struct {
	schema Schema
	invoke func(ctx context.Context, tc Context, raw json.RawMessage) (Response, error)
}

// Registry maps tool names to schemas and handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool)}
}

// Register installs a handler whose parameter type P supplies both the
// prompt schema and the decode target. Duplicate names fail.
func Register[P any](r *Registry, name, description string, handler func(ctx context.Context, tc Context, params P) (Response, error)) error {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema, err := json.Marshal(reflector.Reflect(new(P)))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return errors.WithMessagef(ErrAlreadyRegistered, "tool %s", name)
	}
	r.tools[name] = tool{
		schema: Schema{Name: name, Description: description, Parameters: schema},
		invoke: func(ctx context.Context, tc Context, raw json.RawMessage) (Response, error) {
			var params P
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&params); err != nil {
				return Response{}, errors.WithMessagef(ErrInvalidParameters, "tool %s: %v", name, err)
			}
			return handler(ctx, tc, params)
		},
	}
	return nil
}

// ListSchemas returns the catalog sorted by name, for stable prompting.
func (r *Registry) ListSchemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// cancelGraceWindow bounds how long a cancelled dispatch waits for an
// in-flight handler before discarding its result.
const cancelGraceWindow = 100 * time.Millisecond

type dispatchResult struct {
	resp Response
	err  error
}

// Dispatch validates and executes one tool choice under timeout. The
// returned ToolResult is ready to embed in a Tool conversation entry.
// Allowed is the session's allow-list predicate; nil means allow all.
func (r *Registry) Dispatch(ctx context.Context, tc Context, choice session.ToolChoice, allowed func(string) bool, timeout time.Duration) (session.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[choice.ToolName]
	r.mu.RUnlock()
	if !ok {
		return session.ToolResult{}, errors.WithMessagef(ErrUnknownTool, "tool %s", choice.ToolName)
	}
	if allowed != nil && !allowed(choice.ToolName) {
		return session.ToolResult{}, errors.WithMessagef(ErrDisallowed, "tool %s", choice.ToolName)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Run the handler in its own goroutine so a handler that ignores
	// cancellation can't wedge the dispatcher.
	done := make(chan dispatchResult, 1)
	safego.Go(ctx, func() {
		resp, err := t.invoke(ctx, tc, choice.Parameters)
		done <- dispatchResult{resp, err}
	})

	var res dispatchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return session.ToolResult{}, errors.WithMessagef(ErrTimeout, "tool %s after %s", choice.ToolName, timeout)
		}
		// Cancelled. Give an in-flight handler a brief grace window to
		// surface a result that already materialized.
		select {
		case res = <-done:
		case <-time.After(cancelGraceWindow):
			return session.ToolResult{}, ctx.Err()
		}
	}
	return r.finish(choice, res)
}

func (r *Registry) finish(choice session.ToolChoice, res dispatchResult) (session.ToolResult, error) {
	if res.err != nil {
		if errors.Is(res.err, ErrInvalidParameters) || errors.Is(res.err, context.Canceled) {
			return session.ToolResult{}, res.err
		}
		return session.ToolResult{}, errors.WithMessagef(ErrHandlerFailed, "tool %s: %v", choice.ToolName, res.err)
	}
	full, err := json.Marshal(res.resp.Full)
	if err != nil {
		return session.ToolResult{}, errors.WithMessagef(ErrHandlerFailed, "tool %s: encode response: %v", choice.ToolName, err)
	}
	user := res.resp.User
	if user.ToolName == "" {
		user.ToolName = choice.ToolName
	}
	return session.ToolResult{Full: full, User: user}, nil
}
