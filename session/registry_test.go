package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userEntry(text string) ConversationEntry {
	return ConversationEntry{Sender: Sender{Kind: SenderUser}, Content: text}
}

func agentEntry(text string) ConversationEntry {
	return ConversationEntry{Sender: Sender{Kind: SenderAgent}, Content: text}
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})
	require.NotEmpty(t, d.ID)
	assert.Equal(t, PhaseIdle, d.Status().Phase)
	assert.Equal(t, defaultMaxTurns, d.Config.MaxTurns)

	got, err := r.Get(d.ID)
	require.NoError(t, err)
	assert.Same(t, d, got)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryUniqueIDs(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		d := r.Create("u1", "", Config{})
		require.False(t, seen[d.ID])
		seen[d.ID] = true
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{Idle(), Running(), true},
		{Idle(), Terminated(ReasonCancelled), true},
		{Idle(), AwaitingUser(), false},
		{Running(), Running(), true},
		{Running(), AwaitingUser(), true},
		{Running(), Terminated(ReasonGoalMet), true},
		{AwaitingUser(), Running(), true},
		{AwaitingUser(), Terminated(ReasonCancelled), true},
		{AwaitingUser(), AwaitingUser(), false},
		{Terminated(ReasonGoalMet), Running(), false},
		{Idle(), Failed(fmt.Errorf("boom")), true},
		{Running(), Failed(fmt.Errorf("boom")), true},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		if c.ok {
			assert.NoError(t, err, "%s -> %s", c.from.Phase, c.to.Phase)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", c.from.Phase, c.to.Phase)
		}
	}
}

func TestAbsorbingRejectsMutation(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})
	require.NoError(t, d.SetStatus(Running()))
	require.NoError(t, d.SetStatus(Terminated(ReasonGoalMet)))

	_, err := d.AppendEntry(userEntry("hi"))
	assert.ErrorIs(t, err, ErrAbsorbed)

	// Second terminate is a no-op failure, state unchanged.
	err = d.SetStatus(Terminated(ReasonCancelled))
	assert.ErrorIs(t, err, ErrAbsorbed)
	assert.Equal(t, ReasonGoalMet, d.Status().Reason)
}

func TestAppendPositionsAndTurnCounter(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})
	require.NoError(t, d.SetStatus(Running()))

	pos, err := d.AppendEntry(userEntry("q"))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	pos, err = d.AppendEntry(agentEntry("a1"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = d.AppendEntry(agentEntry("a2"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	assert.Equal(t, 2, d.Turns())

	snap := d.Snapshot()
	require.Len(t, snap.Log, 3)
	for _, e := range snap.Log {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestSubscribeReplaysSnapshotThenLive(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})
	require.NoError(t, d.SetStatus(Running()))
	for i := 0; i < 4; i++ {
		_, err := d.AppendEntry(agentEntry(fmt.Sprintf("turn %d", i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	_, err := d.AppendEntry(userEntry("late"))
	require.NoError(t, err)

	var got []Event
	for i := 0; i < 6; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}

	assert.Equal(t, EventStatusChanged, got[0].Type)
	assert.Equal(t, PhaseRunning, got[0].Status.Phase)
	for i := 1; i <= 4; i++ {
		require.Equal(t, EventEntryAppended, got[i].Type)
		assert.Equal(t, fmt.Sprintf("turn %d", i-1), got[i].Entry.Content)
	}
	assert.Equal(t, "late", got[5].Entry.Content)
}

func TestSubscriberPrefixProperty(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	require.NoError(t, d.SetStatus(Running()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = d.AppendEntry(agentEntry(fmt.Sprintf("e%d", i)))
		}
	}()
	wg.Wait()

	// Drain what was delivered; appended entries must arrive in log order.
	var appended []string
	deadline := time.After(time.Second)
loop:
	for len(appended) < 20 {
		select {
		case ev := <-ch:
			if ev.Type == EventEntryAppended {
				appended = append(appended, ev.Entry.Content)
			}
		case <-deadline:
			break loop
		}
	}

	snap := d.Snapshot()
	require.LessOrEqual(t, len(appended), len(snap.Log))
	for i, content := range appended {
		assert.Equal(t, snap.Log[i].Content, content)
	}
}

func TestTerminatedEventOrdering(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	require.NoError(t, d.SetStatus(Running()))
	require.NoError(t, d.SetStatus(Terminated(ReasonMaxTurns)))

	// After Terminated, publication helpers are inert.
	d.PublishToolStarted("echo", "c1")
	d.PublishError("ignored")

	var got []Event
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
			if ev.Type == EventTerminated {
				goto done
			}
		case <-time.After(time.Second):
			t.Fatal("no Terminated event")
		}
	}
done:
	last := got[len(got)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, ReasonMaxTurns, last.Reason)

	select {
	case ev, open := <-ch:
		if open {
			t.Fatalf("unexpected event after Terminated: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedEmitsErrorThenTerminated(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Subscribe(ctx)

	require.NoError(t, d.SetStatus(Running()))
	require.NoError(t, d.SetStatus(Failed(fmt.Errorf("llm retry budget exhausted"))))

	var types []EventType
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == EventTerminated {
				goto done
			}
		case <-time.After(time.Second):
			t.Fatal("no Terminated event")
		}
	}
done:
	n := len(types)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, EventStatusChanged, types[n-3])
	assert.Equal(t, EventError, types[n-2])
	assert.Equal(t, EventTerminated, types[n-1])
}

func TestLoadFromOnlyWhenIdleAndEmpty(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	prior := []ConversationEntry{
		{ID: "e0", Sender: Sender{Kind: SenderUser}, Content: "q", CreatedAt: time.Now()},
		{ID: "e1", Sender: Sender{Kind: SenderAgent}, Content: "a", CreatedAt: time.Now()},
	}

	ledger := []ContextEntry{{Key: "city", Value: "Lisbon", CreatedAt: time.Now()}}

	d := r.Create("u1", "", Config{})
	require.NoError(t, d.LoadFrom(prior, ledger))
	assert.Equal(t, 1, d.Turns())

	snap := d.Snapshot()
	assert.Equal(t, prior, snap.Log)
	assert.Equal(t, ledger, snap.Context)

	// Seeding twice fails: the log is no longer empty.
	assert.ErrorIs(t, d.LoadFrom(prior, nil), ErrNotEmpty)

	running := r.Create("u1", "", Config{})
	require.NoError(t, running.SetStatus(Running()))
	assert.ErrorIs(t, running.LoadFrom(prior, nil), ErrNotIdle)
}

func TestRecordInitialInstructionWriteOnce(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})

	// Snapshot readers run concurrently with the one late config write.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = d.Snapshot()
			}
		}
	}()

	d.RecordInitialInstruction("map the caves")
	d.RecordInitialInstruction("something else")
	close(stop)
	wg.Wait()

	assert.Equal(t, "map the caves", d.Snapshot().Config.InitialInstruction)

	preset := r.Create("u1", "", Config{InitialInstruction: "original"})
	preset.RecordInitialInstruction("override")
	assert.Equal(t, "original", preset.Snapshot().Config.InitialInstruction)
}

func TestWaitAbsorbed(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	d := r.Create("u1", "", Config{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = d.SetStatus(Terminated(ReasonCancelled))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.WaitAbsorbed(ctx))
	assert.True(t, d.Status().Absorbing())
}

func TestEvict(t *testing.T) {
	r := NewRegistry()
	d := r.Create("u1", "", Config{})
	require.NoError(t, r.Evict(d.ID))
	_, err := r.Get(d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Evict(d.ID), ErrNotFound)
	assert.True(t, d.Cancelled())
}

func TestConfigToolAllowed(t *testing.T) {
	var c Config
	assert.True(t, c.ToolAllowed("anything"))

	c.AllowTools = []string{"echo"}
	assert.True(t, c.ToolAllowed("echo"))
	assert.False(t, c.ToolAllowed("other"))
}
