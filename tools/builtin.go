package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/hatcher/agentloop/session"
)

const (
	SaveContextToolName    = "save_context"
	ReportProgressToolName = "report_progress"
	FinishHintToolName     = "finish_hint"

	// Ledger key a finish hint is filed under; the termination judge
	// prompt surfaces it.
	finishHintKey = "finish_hint"
)

type SaveContextParams struct {
	Key   string `json:"key" jsonschema:"required,description=Short name for this note"`
	Value string `json:"value" jsonschema:"required,description=The information to remember across turns"`
}

type ReportProgressParams struct {
	Value float64 `json:"value" jsonschema:"required,description=Completion estimate between 0 and 1,minimum=0,maximum=1"`
	Note  string  `json:"note,omitempty" jsonschema:"description=Optional one-line summary of what was just done"`
}

type FinishHintParams struct {
	Reason string `json:"reason" jsonschema:"required,description=Why the goal appears to be met"`
}

// RegisterBuiltins installs the session-housekeeping tools every
// deployment gets.
func RegisterBuiltins(r *Registry) error {
	if err := Register(r, SaveContextToolName,
		"Save a note into the session's working context. Saved notes survive history compaction and are shown on every future turn.",
		func(ctx context.Context, tc Context, params SaveContextParams) (Response, error) {
			if params.Key == "" {
				return Response{}, fmt.Errorf("key must not be empty")
			}
			tc.Sink.SaveContext(session.ContextEntry{
				Key:       params.Key,
				Value:     params.Value,
				CreatedAt: time.Now(),
			})
			return Response{
				Full: map[string]string{"saved": params.Key},
				User: session.UserToolResponse{
					Title: fmt.Sprintf("Saved note %q", params.Key),
					Icon:  "bookmark",
				},
			}, nil
		}); err != nil {
		return err
	}

	if err := Register(r, ReportProgressToolName,
		"Report an estimate of overall task completion so observers can track progress.",
		func(ctx context.Context, tc Context, params ReportProgressParams) (Response, error) {
			if params.Value < 0 || params.Value > 1 {
				return Response{}, fmt.Errorf("value must be in [0,1], got %v", params.Value)
			}
			tc.Sink.SetProgress(params.Value)
			return Response{
				Full: map[string]any{"progress": params.Value},
				User: session.UserToolResponse{
					Title: fmt.Sprintf("Progress %.0f%%", params.Value*100),
					Icon:  "gauge",
				},
			}, nil
		}); err != nil {
		return err
	}

	return Register(r, FinishHintToolName,
		"Signal that the task goal appears to be met. The termination judge weighs this on its next check.",
		func(ctx context.Context, tc Context, params FinishHintParams) (Response, error) {
			tc.Sink.SaveContext(session.ContextEntry{
				Key:       finishHintKey,
				Value:     params.Reason,
				CreatedAt: time.Now(),
			})
			return Response{
				Full: map[string]string{"acknowledged": params.Reason},
				User: session.UserToolResponse{
					Title: "Ready to finish",
					Icon:  "flag",
				},
			}, nil
		})
}
