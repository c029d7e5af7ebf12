package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatcher/agentloop/evaluator"
	"github.com/hatcher/agentloop/llm"
	"github.com/hatcher/agentloop/llm/mock"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/tools"
)

const (
	judgeYes = `{"should_terminate": true, "reasoning": "goal met"}`
	judgeNo  = `{"should_terminate": false, "reasoning": "keep going"}`
)

func newCoordinator(t *testing.T, backend *mock.Backend, judge *mock.Backend) *Coordinator {
	t.Helper()
	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg))
	require.NoError(t, tools.Register(toolReg, "block", "Waits for cancellation.",
		func(ctx context.Context, tc tools.Context, params struct{}) (tools.Response, error) {
			<-ctx.Done()
			return tools.Response{}, ctx.Err()
		}))

	reg := session.NewRegistry()
	t.Cleanup(reg.Shutdown)
	eval := evaluator.New(backend, toolReg, evaluator.WithJudgeBackend(judge))
	return New(reg, eval, toolReg)
}

func waitForPhase(t *testing.T, c *Coordinator, sid string, phase session.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := c.Status(sid)
		return err == nil && st.Phase == phase
	}, 3*time.Second, 10*time.Millisecond, "waiting for phase %s", phase)
}

func TestFullConversationFlow(t *testing.T) {
	backend := mock.Scripted(
		mock.Text(`{"user_answer": "Which city?", "is_final": false}`),
		mock.Text(`{"user_answer": "Booked for Lisbon.", "is_final": true}`),
	)
	judge := mock.Scripted(mock.Text(judgeNo), mock.Text(judgeYes))
	c := newCoordinator(t, backend, judge)
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{MaxTurns: 8})
	require.NoError(t, err)

	st, err := c.Status(sid)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseIdle, st.Phase)

	require.NoError(t, c.StartResearch(ctx, sid, "Book a flight."))
	waitForPhase(t, c, sid, session.PhaseAwaitingUser)

	require.NoError(t, c.PostMessage(ctx, sid, "Lisbon, please.", nil))
	waitForPhase(t, c, sid, session.PhaseTerminated)

	state, err := c.SessionState(sid)
	require.NoError(t, err)
	assert.Equal(t, session.ReasonGoalMet, state.Status.Reason)
	assert.Equal(t, "Book a flight.", state.Config.InitialInstruction)
	require.Len(t, state.Log, 4)
	assert.Equal(t, "Book a flight.", state.Log[0].Content)
	assert.Equal(t, "Which city?", state.Log[1].Content)
	assert.Equal(t, "Lisbon, please.", state.Log[2].Content)
	assert.Equal(t, "Booked for Lisbon.", state.Log[3].Content)
	assert.Equal(t, 2, state.Turns)
}

// Every post_message on an AwaitingUser session must run another turn,
// including messages that land while the previous loop is still winding
// down. A lost wakeup here leaves the session stuck in Running forever.
func TestPostMessageAfterYieldAlwaysResumes(t *testing.T) {
	backend := &mock.Backend{CompleteFn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: `{"user_answer": "and then?", "is_final": false}`}, nil
	}}
	judge := &mock.Backend{CompleteFn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: judgeNo}, nil
	}}
	c := newCoordinator(t, backend, judge)
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{MaxTurns: 100, TerminationCheckEvery: 1})
	require.NoError(t, err)
	require.NoError(t, c.StartResearch(ctx, sid, "Keep talking."))

	const rounds = 25
	for i := 0; i < rounds; i++ {
		waitForPhase(t, c, sid, session.PhaseAwaitingUser)
		// Post as soon as the yield is visible, racing the loop teardown.
		require.NoError(t, c.PostMessage(ctx, sid, "go on", nil))
	}
	waitForPhase(t, c, sid, session.PhaseAwaitingUser)
	assert.Equal(t, rounds+1, backend.CallCount())
}

func TestStartResearchOnlyWhileIdle(t *testing.T) {
	backend := mock.Scripted(mock.Text(`{"user_answer": "hi", "is_final": false}`))
	c := newCoordinator(t, backend, mock.Scripted(mock.Text(judgeNo)))
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)
	require.NoError(t, c.StartResearch(ctx, sid, "Go."))
	waitForPhase(t, c, sid, session.PhaseAwaitingUser)

	err = c.StartResearch(ctx, sid, "Go again.")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestPostMessageOnTerminatedFails(t *testing.T) {
	c := newCoordinator(t, mock.Scripted(), mock.Scripted())
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)
	require.NoError(t, c.Terminate(ctx, sid))

	err = c.PostMessage(ctx, sid, "anyone there?", nil)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestTerminateIsIdempotent(t *testing.T) {
	c := newCoordinator(t, mock.Scripted(), mock.Scripted())
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)

	require.NoError(t, c.Terminate(ctx, sid))
	st1, err := c.Status(sid)
	require.NoError(t, err)

	require.NoError(t, c.Terminate(ctx, sid))
	st2, err := c.Status(sid)
	require.NoError(t, err)

	assert.Equal(t, st1, st2)
	assert.Equal(t, session.ReasonCancelled, st2.Reason)
}

func TestTerminateDuringToolRun(t *testing.T) {
	backend := mock.Scripted(
		mock.Text(`{"agent_reasoning": "blocking", "actions": [{"tool_name": "block", "parameters": {}}]}`),
	)
	c := newCoordinator(t, backend, mock.Scripted())
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{MaxTurns: 8})
	require.NoError(t, err)
	require.NoError(t, c.StartResearch(ctx, sid, "Block."))

	d, err := c.Registry().Get(sid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.RunActive() }, time.Second, 5*time.Millisecond)
	// Give the loop a moment to get the tool in flight.
	time.Sleep(50 * time.Millisecond)

	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, c.Terminate(tctx, sid))

	st, err := c.Status(sid)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseTerminated, st.Phase)
	assert.Equal(t, session.ReasonCancelled, st.Reason)
}

func TestSnapshotResumeRoundTrip(t *testing.T) {
	backend := mock.Scripted(mock.Text(`{"user_answer": "answered", "is_final": true}`))
	judge := mock.Scripted(mock.Text(judgeYes))
	c := newCoordinator(t, backend, judge)
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)
	require.NoError(t, c.StartResearch(ctx, sid, "Question?"))
	waitForPhase(t, c, sid, session.PhaseTerminated)

	state, err := c.SessionState(sid)
	require.NoError(t, err)

	// Seed a fresh session with the old log and ledger; its snapshot
	// must match.
	sid2, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)
	require.NoError(t, c.LoadSessionState(sid2, state.Log, state.Context))

	state2, err := c.SessionState(sid2)
	require.NoError(t, err)
	assert.Equal(t, state.Log, state2.Log)
	assert.Equal(t, state.Context, state2.Context)
	assert.Equal(t, state.Turns, state2.Turns)
	assert.Equal(t, session.PhaseIdle, state2.Status.Phase)

	// Only a pristine session may be seeded.
	assert.Error(t, c.LoadSessionState(sid2, state.Log, state.Context))
}

func TestLateSubscriberSeesFullReplay(t *testing.T) {
	backend := mock.Scripted(
		mock.Text(`{"user_answer": "turn one", "is_final": false}`),
		mock.Text(`{"user_answer": "turn two", "is_final": false}`),
	)
	judge := mock.Scripted(mock.Text(judgeNo), mock.Text(judgeNo))
	c := newCoordinator(t, backend, judge)
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{MaxTurns: 8})
	require.NoError(t, err)
	require.NoError(t, c.StartResearch(ctx, sid, "First."))
	waitForPhase(t, c, sid, session.PhaseAwaitingUser)
	require.NoError(t, c.PostMessage(ctx, sid, "Second.", nil))
	waitForPhase(t, c, sid, session.PhaseAwaitingUser)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := c.SubscribeEvents(subCtx, sid)
	require.NoError(t, err)

	var got []session.Event
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out at replay event %d", i)
		}
	}

	assert.Equal(t, session.EventStatusChanged, got[0].Type)
	assert.Equal(t, session.PhaseAwaitingUser, got[0].Status.Phase)
	want := []string{"First.", "turn one", "Second.", "turn two"}
	for i, content := range want {
		require.Equal(t, session.EventEntryAppended, got[i+1].Type)
		assert.Equal(t, content, got[i+1].Entry.Content)
	}
}

func TestRunSync(t *testing.T) {
	backend := mock.Scripted(mock.Text(`{"user_answer": "42", "is_final": true}`))
	judge := mock.Scripted(mock.Text(judgeYes))
	c := newCoordinator(t, backend, judge)

	state, err := c.RunSync(context.Background(), "u1", "", session.Config{MaxTurns: 4}, "Meaning of life?")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseTerminated, state.Status.Phase)
	assert.Equal(t, session.ReasonGoalMet, state.Status.Reason)
	require.Len(t, state.Log, 2)
	assert.Equal(t, "42", state.Log[1].Content)
}

func TestEvict(t *testing.T) {
	c := newCoordinator(t, mock.Scripted(), mock.Scripted())
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, "u1", "", session.Config{})
	require.NoError(t, err)
	require.NoError(t, c.Evict(sid))

	_, err = c.Status(sid)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, c.Evict(sid), session.ErrNotFound)
}

func TestNotFoundSurfaces(t *testing.T) {
	c := newCoordinator(t, mock.Scripted(), mock.Scripted())
	ctx := context.Background()

	assert.ErrorIs(t, c.StartResearch(ctx, "missing", "x"), session.ErrNotFound)
	assert.ErrorIs(t, c.PostMessage(ctx, "missing", "x", nil), session.ErrNotFound)
	assert.ErrorIs(t, c.Terminate(ctx, "missing"), session.ErrNotFound)
	_, err := c.SessionState("missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
