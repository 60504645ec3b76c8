// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/ledger"
	"agent-platform/internal/runtime/events"
	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
)

// memPersister 记录写穿快照
type memPersister struct {
	mu      sync.Mutex
	writes  []*agent.Record
	purged  map[string]PurgeScope
	stable  map[string]*agent.Record
	dead    map[string]bool
	failing bool
}

func newMemPersister() *memPersister {
	return &memPersister{purged: map[string]PurgeScope{}, stable: map[string]*agent.Record{}, dead: map[string]bool{}}
}

func (p *memPersister) Persist(_ context.Context, rec *agent.Record, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("all tiers down")
	}
	p.writes = append(p.writes, rec.Clone())
	if rec.Phase == agent.PhaseDestroyed {
		p.dead[rec.ID] = true
	}
	if rec.Phase.Stable() {
		p.stable[rec.ID] = rec.Clone()
	}
	return nil
}

func (p *memPersister) Purge(_ context.Context, rec *agent.Record, scope PurgeScope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged[rec.ID] = scope
	if scope == PurgeAll {
		p.dead[rec.ID] = true
	}
	return nil
}

func (p *memPersister) Destroyed(_ context.Context, agentID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead[agentID], nil
}

func (p *memPersister) LatestStable(_ context.Context, agentID, _ string) (*agent.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stable[agentID].Clone(), nil
}

func (p *memPersister) phasesOf(agentID string) []agent.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []agent.Phase
	for _, r := range p.writes {
		if r.ID == agentID {
			out = append(out, r.Phase)
		}
	}
	return out
}

type fixture struct {
	m         *Manager
	ledger    *ledger.Ledger
	collector *events.Collector
	persister *memPersister
}

func newFixture(t *testing.T, limits ledger.Limits, options ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger:    ledger.New(limits, nil),
		collector: events.NewCollector(),
		persister: newMemPersister(),
	}
	opts := DefaultOptions()
	opts.TerminationTimeout = 200 * time.Millisecond
	opts.Recovery.InitialInterval = time.Millisecond
	opts.Recovery.MaxInterval = 5 * time.Millisecond
	options = append([]Option{WithPersister(f.persister)}, options...)
	f.m = New(f.ledger, events.NewEmitter(f.collector), opts, options...)
	return f
}

var alice = agent.UserContext{UserID: "alice", SessionID: "s1", ThreadID: "t1"}

func bigLimits() ledger.Limits {
	return ledger.Limits{TotalMemoryMB: 8192, TotalCPUCores: 8, MaxConcurrentAgents: 10}
}

func (f *fixture) activeAgent(t *testing.T, req CreateRequest) *agent.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.m.CreateAgent(ctx, req, alice)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	rec, err = f.m.ActivateAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	return rec
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()

	rec := f.activeAgent(t, CreateRequest{
		AgentType: "research_assistant",
		Resources: agent.ResourceRequirements{MemoryMB: 512, CPUCores: 1},
	})
	assert.Equal(t, agent.PhaseActive, rec.Phase)
	assert.Equal(t, 512, f.ledger.CurrentUsage().MemoryMB)

	done, err := f.m.Execute(ctx, rec.ID, func(ctx context.Context, rec *agent.Record, r *Reporter) (map[string]any, error) {
		r.Thinking("planning", nil)
		r.ToolExecuting("search", map[string]any{"q": "go"})
		r.ToolCompleted("search", map[string]any{"hits": 3})
		return map[string]any{"summary": "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseCompleting, done.Phase)
	assert.Equal(t, map[string]any{"summary": "ok"}, done.StateData["result"])

	term, err := f.m.TerminateAgent(ctx, rec.ID, "done")
	require.NoError(t, err)
	assert.True(t, term.TerminationSuccessful)
	assert.False(t, term.Forced)

	res, err := f.m.CleanupAndDestroyAgent(ctx, rec.ID, CleanupOptions{Resources: true, State: true})
	require.NoError(t, err)
	assert.True(t, res.CleanupSuccessful)
	assert.True(t, res.ResourcesReleased)
	assert.True(t, res.StateCleaned)

	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
	_, err = f.m.Get(rec.ID)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)

	assert.Equal(t, []events.Type{
		events.AgentStarted, events.AgentThinking, events.ToolExecuting, events.ToolCompleted, events.AgentCompleted,
	}, f.collector.Types("alice", rec.ID))

	phases := f.persister.phasesOf(rec.ID)
	assert.True(t, agent.ValidPath(phases), "persisted phases %v", phases)
	assert.Equal(t, agent.PhaseDestroyed, phases[len(phases)-1])
	assert.Equal(t, PurgeEphemeral, f.persister.purged[rec.ID])
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker", Resources: agent.ResourceRequirements{MemoryMB: 256, CPUCores: 0.5}})

	_, err := f.m.TerminateAgent(ctx, rec.ID, "")
	require.NoError(t, err)
	first, err := f.m.CleanupAndDestroyAgent(ctx, rec.ID, CleanupOptions{Resources: true})
	require.NoError(t, err)
	assert.True(t, first.ResourcesReleased)

	second, err := f.m.CleanupAndDestroyAgent(ctx, rec.ID, CleanupOptions{Resources: true})
	require.NoError(t, err)
	assert.True(t, second.CleanupSuccessful)
	assert.True(t, second.AlreadyDestroyed)
	assert.False(t, second.ResourcesReleased)
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func TestCleanupRequiresTermination(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, err := f.m.CleanupAndDestroyAgent(context.Background(), rec.ID, CleanupOptions{})
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestStaleTransition(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	_, err := f.m.TransitionAgentPhase(context.Background(), rec.ID, agent.PhaseInitializing, agent.PhaseProcessing, nil)
	require.ErrorIs(t, err, perrors.ErrStaleTransition)
	assert.Equal(t, "active", perrors.DetailsOf(err)["current_phase"])

	cur, err := f.m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseActive, cur.Phase)
	assert.Equal(t, rec.Version, cur.Version)
}

func TestInvalidTransition(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, err := f.m.TransitionAgentPhase(context.Background(), rec.ID, agent.PhaseActive, agent.PhaseCleanup, nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestConcurrentCASHasOneWinner(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.m.TransitionAgentPhase(context.Background(), rec.ID, agent.PhaseActive, agent.PhaseProcessing, nil); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, perrors.ErrStaleTransition)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCreateAgent_ResourceExhausted(t *testing.T) {
	f := newFixture(t, ledger.Limits{TotalMemoryMB: 1024, TotalCPUCores: 2, MaxConcurrentAgents: 1})
	ctx := context.Background()
	_, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker", Resources: agent.ResourceRequirements{MemoryMB: 100}}, alice)
	require.NoError(t, err)
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker", Resources: agent.ResourceRequirements{MemoryMB: 100}}, alice)
	assert.ErrorIs(t, err, perrors.ErrResourceExhausted)
	assert.Len(t, f.m.List("alice"), 1)
}

func TestCreateAgent_Validation(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	_, err := f.m.CreateAgent(ctx, CreateRequest{}, alice)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker"}, agent.UserContext{})
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker", Resources: agent.ResourceRequirements{MemoryMB: -1}}, alice)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
}

func TestInitializationOrder(t *testing.T) {
	reporter := &agent.Record{ID: "reporter", Dependencies: []string{"collector"}}
	collector := &agent.Record{ID: "c-1", Provides: []string{"collector"}}

	order, err := CalculateInitializationOrder([]*agent.Record{reporter, collector})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "reporter"}, ids(order))

	shutdown, err := CalculateShutdownOrder([]*agent.Record{reporter, collector})
	require.NoError(t, err)
	assert.Equal(t, []string{"reporter", "c-1"}, ids(shutdown))
}

func TestInitializationOrder_StableAndIgnoresMissingProviders(t *testing.T) {
	a := &agent.Record{ID: "a", Dependencies: []string{"external"}}
	b := &agent.Record{ID: "b"}
	c := &agent.Record{ID: "c", Dependencies: []string{"a"}}
	order, err := CalculateInitializationOrder([]*agent.Record{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(order))
}

func TestInitializationOrder_Cycle(t *testing.T) {
	a := &agent.Record{ID: "a", Dependencies: []string{"b"}}
	b := &agent.Record{ID: "b", Dependencies: []string{"a"}}
	c := &agent.Record{ID: "c"}
	_, err := CalculateInitializationOrder([]*agent.Record{a, b, c})
	require.ErrorIs(t, err, perrors.ErrCyclicDependency)
	assert.ElementsMatch(t, []string{"a", "b"}, perrors.DetailsOf(err)["agents"])
}

func ids(recs []*agent.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestActivate_DependencyNotReady(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()

	group, err := f.m.CreateAgentGroup(ctx, []CreateRequest{
		{AgentID: "reporter", AgentType: "reporter", Dependencies: []string{"collector"}},
		{AgentID: "collector-1", AgentType: "collector", Provides: []string{"collector"}},
	}, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"collector-1", "reporter"}, ids(group))

	_, err = f.m.InitializeAgent(ctx, "reporter", nil)
	require.NoError(t, err)
	_, err = f.m.ActivateAgent(ctx, "reporter", nil)
	require.ErrorIs(t, err, perrors.ErrDependencyNotReady)
	cur, _ := f.m.Get("reporter")
	assert.Equal(t, agent.PhaseInitializing, cur.Phase)

	_, err = f.m.InitializeAgent(ctx, "collector-1", nil)
	require.NoError(t, err)
	_, err = f.m.ActivateAgent(ctx, "collector-1", nil)
	require.NoError(t, err)
	rec, err := f.m.ActivateAgent(ctx, "reporter", map[string]any{"warm": true})
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseActive, rec.Phase)
	assert.Equal(t, true, rec.StateData["warm"])
}

func TestActivate_DependencyOfOtherUserDoesNotCount(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	bob := agent.UserContext{UserID: "bob"}

	p, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "collector", Provides: []string{"collector"}}, bob)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(ctx, p.ID, nil)
	require.NoError(t, err)
	_, err = f.m.ActivateAgent(ctx, p.ID, nil)
	require.NoError(t, err)

	r, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "reporter", Dependencies: []string{"collector"}}, alice)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(ctx, r.ID, nil)
	require.NoError(t, err)
	_, err = f.m.ActivateAgent(ctx, r.ID, nil)
	assert.ErrorIs(t, err, perrors.ErrDependencyNotReady)
}

func TestCreateAgentGroup_CycleCreatesNothing(t *testing.T) {
	f := newFixture(t, bigLimits())
	_, err := f.m.CreateAgentGroup(context.Background(), []CreateRequest{
		{AgentID: "a", AgentType: "x", Dependencies: []string{"b"}},
		{AgentID: "b", AgentType: "x", Dependencies: []string{"a"}},
	}, alice)
	assert.ErrorIs(t, err, perrors.ErrCyclicDependency)
	assert.Empty(t, f.m.List(""))
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func TestCreateAgentGroup_RollsBackOnExhaustion(t *testing.T) {
	f := newFixture(t, ledger.Limits{MaxConcurrentAgents: 2})
	_, err := f.m.CreateAgentGroup(context.Background(), []CreateRequest{
		{AgentType: "x"}, {AgentType: "x"}, {AgentType: "x"},
	}, alice)
	assert.ErrorIs(t, err, perrors.ErrResourceExhausted)
	assert.Empty(t, f.m.List(""))
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func requireModel(_ context.Context, _ string, cfg map[string]any) error {
	if _, ok := cfg["model"]; !ok {
		return perrors.New(perrors.KindInvalidArgument, "validate", "model missing")
	}
	return nil
}

func TestInitialize_FallbackConfig(t *testing.T) {
	f := newFixture(t, bigLimits(), WithValidator(ValidatorFunc(requireModel)))
	ctx := context.Background()

	rec, err := f.m.CreateAgent(ctx, CreateRequest{
		AgentType:      "writer",
		Config:         map[string]any{"temperature": 0.2},
		FallbackConfig: map[string]any{"model": "small"},
	}, alice)
	require.NoError(t, err)
	rec, err = f.m.InitializeAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseInitializing, rec.Phase)
	assert.Equal(t, "small", rec.Config["model"])
	assert.True(t, agent.ValidPath(rec.Phases()))
	assert.Contains(t, rec.Phases(), agent.PhaseError)

	_, err = f.m.ActivateAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	_, err = f.m.Execute(ctx, rec.ID, func(context.Context, *agent.Record, *Reporter) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	types := f.collector.Types("alice", rec.ID)
	assert.Equal(t, events.AgentCompletedWithFallback, types[len(types)-1])
}

func TestInitialize_ExhaustedRetriesDestroyAgent(t *testing.T) {
	f := newFixture(t, bigLimits(), WithValidator(ValidatorFunc(requireModel)))
	ctx := context.Background()

	rec, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "writer", Resources: agent.ResourceRequirements{MemoryMB: 64}}, alice)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(ctx, rec.ID, nil)
	require.ErrorIs(t, err, perrors.ErrInvalidArg)

	_, err = f.m.Get(rec.ID)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
	types := f.collector.Types("alice", rec.ID)
	assert.Equal(t, []events.Type{events.AgentStarted, events.AgentError}, types)
}

func TestInitialize_Timeout(t *testing.T) {
	slow := ValidatorFunc(func(ctx context.Context, _ string, _ map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, bigLimits(), WithValidator(slow))
	f.m.opts.InitTimeout = 10 * time.Millisecond
	f.m.opts.Recovery.MaxAttempts = 0

	rec, err := f.m.CreateAgent(context.Background(), CreateRequest{AgentType: "writer"}, alice)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(context.Background(), rec.ID, nil)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
}

func TestActivate_HookFailureMovesToError(t *testing.T) {
	f := newFixture(t, bigLimits(), WithActivator(ActivatorFunc(func(context.Context, *agent.Record) error {
		return errors.New("warmup failed")
	})))
	ctx := context.Background()
	rec, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker"}, alice)
	require.NoError(t, err)
	_, err = f.m.InitializeAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	_, err = f.m.ActivateAgent(ctx, rec.ID, nil)
	require.Error(t, err)

	cur, err := f.m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseError, cur.Phase)
	assert.Equal(t, "warmup failed", cur.LastError)
}

func TestTerminate_CancelsInFlightWork(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	started := make(chan struct{})
	execErr := make(chan error, 1)
	go func() {
		_, err := f.m.Execute(ctx, rec.ID, func(ctx context.Context, _ *agent.Record, _ *Reporter) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		execErr <- err
	}()
	<-started

	res, err := f.m.TerminateAgent(ctx, rec.ID, "user cancelled")
	require.NoError(t, err)
	assert.False(t, res.Forced)
	assert.Equal(t, agent.PhaseTerminated, res.Record.Phase)
	assert.Equal(t, "user cancelled", res.Record.StateData["termination_reason"])
	assert.ErrorIs(t, <-execErr, context.Canceled)
}

func TestTerminate_ForcedWhenWorkIgnoresCancel(t *testing.T) {
	f := newFixture(t, bigLimits())
	f.m.opts.TerminationTimeout = 20 * time.Millisecond
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	started := make(chan struct{})
	release := make(chan struct{})
	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _ = f.m.Execute(ctx, rec.ID, func(context.Context, *agent.Record, *Reporter) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	res, err := f.m.TerminateAgent(ctx, rec.ID, "stuck")
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, agent.PhaseTerminated, res.Record.Phase)

	close(release)
	<-execDone
	cur, err := f.m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseTerminated, cur.Phase)
}

func TestExecute_FailureEmitsAgentError(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, err := f.m.Execute(context.Background(), rec.ID, func(context.Context, *agent.Record, *Reporter) (map[string]any, error) {
		return nil, errors.New("tool crashed")
	})
	require.Error(t, err)

	cur, _ := f.m.Get(rec.ID)
	assert.Equal(t, agent.PhaseError, cur.Phase)
	evs := f.collector.ForAgent("alice", rec.ID)
	last := evs[len(evs)-1]
	assert.Equal(t, events.AgentError, last.Type)
	assert.Equal(t, string(perrors.KindInternal), last.Data["error_type"])
}

func TestExecute_PanicBecomesError(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, err := f.m.Execute(context.Background(), rec.ID, func(context.Context, *agent.Record, *Reporter) (map[string]any, error) {
		panic("boom")
	})
	require.Error(t, err)
	cur, _ := f.m.Get(rec.ID)
	assert.Equal(t, agent.PhaseError, cur.Phase)
}

func failWork(context.Context, *agent.Record, *Reporter) (map[string]any, error) {
	return nil, errors.New("processing failed")
}

func TestRecover_RollbackToStableState(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker", StateData: map[string]any{"progress": 1}})
	_, _ = f.m.Execute(ctx, rec.ID, failWork)

	f.persister.mu.Lock()
	stable := f.persister.stable[rec.ID]
	f.persister.mu.Unlock()
	require.NotNil(t, stable)
	assert.Equal(t, agent.PhaseActive, stable.Phase)

	res, err := f.m.RecoverAgentFromError(ctx, rec.ID, agent.PhaseProcessing, RollbackToStableState)
	require.NoError(t, err)
	assert.True(t, res.RecoverySuccessful)
	assert.True(t, res.RollbackApplied)
	assert.Equal(t, agent.PhaseActive, res.Record.Phase)
	assert.EqualValues(t, 1, res.Record.StateData["progress"])
	assert.Empty(t, res.Record.LastError)
	assert.True(t, agent.ValidPath(res.Record.Phases()))
}

func TestRecover_RetryWithFallbackReactivates(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker", FallbackConfig: map[string]any{"mode": "safe"}})
	_, _ = f.m.Execute(ctx, rec.ID, failWork)

	res, err := f.m.RecoverAgentFromError(ctx, rec.ID, agent.PhaseProcessing, RetryWithFallbackConfig)
	require.NoError(t, err)
	assert.True(t, res.FallbackApplied)
	assert.Equal(t, agent.PhaseActive, res.Record.Phase)
	assert.Equal(t, "safe", res.Record.Config["mode"])
}

func TestRecover_FailureEscalatesToForceKill(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, _ = f.m.Execute(ctx, rec.ID, failWork)
	f.persister.mu.Lock()
	delete(f.persister.stable, rec.ID)
	f.persister.mu.Unlock()

	res, err := f.m.RecoverAgentFromError(ctx, rec.ID, agent.PhaseProcessing, RollbackToStableState)
	require.Error(t, err)
	assert.False(t, res.RecoverySuccessful)
	assert.True(t, res.Forced)
	assert.True(t, res.Cleanup.ResourcesReleased)
	_, err = f.m.Get(rec.ID)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
}

func TestRecover_TerminationPhaseAlwaysForces(t *testing.T) {
	var cleaned atomic.Int32
	f := newFixture(t, bigLimits(), WithCleaner(CleanerFunc(func(context.Context, *agent.Record) error {
		if cleaned.Add(1) < 3 {
			return errors.New("volume busy")
		}
		return nil
	})))
	ctx := context.Background()
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker", Resources: agent.ResourceRequirements{MemoryMB: 128}})
	_, err := f.m.TerminateAgent(ctx, rec.ID, "")
	require.NoError(t, err)

	res, err := f.m.RecoverAgentFromError(ctx, rec.ID, agent.PhaseCleanup, RetryWithFallbackConfig)
	require.NoError(t, err)
	assert.Equal(t, ForceKillWithCleanup, res.Strategy)
	assert.True(t, res.RecoverySuccessful)
	assert.True(t, res.Forced)
	assert.EqualValues(t, 3, cleaned.Load())
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func TestForceKill_FromEveryLivePhase(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()

	created, err := f.m.CreateAgent(ctx, CreateRequest{AgentType: "worker"}, alice)
	require.NoError(t, err)
	active := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	for _, id := range []string{created.ID, active.ID} {
		res, err := f.m.ForceKill(ctx, id, "shutdown")
		require.NoError(t, err)
		assert.True(t, res.CleanupSuccessful)
		phases := f.persister.phasesOf(id)
		assert.Equal(t, agent.PhaseDestroyed, phases[len(phases)-1])
	}
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func TestShutdownGroup(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	f.activeAgent(t, CreateRequest{AgentID: "collector-1", AgentType: "collector", Provides: []string{"collector"}})
	f.activeAgent(t, CreateRequest{AgentID: "reporter", AgentType: "reporter", Dependencies: []string{"collector"}})
	_, err := f.m.CreateAgent(ctx, CreateRequest{AgentID: "idle", AgentType: "worker"}, alice)
	require.NoError(t, err)

	n, err := f.m.ShutdownGroup(ctx, "alice", "shutdown")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.m.List("alice"))
	assert.Equal(t, ledger.Usage{}, f.ledger.CurrentUsage())
}

func TestAdopt(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()
	rec := &agent.Record{
		ID: "agent-restored", Type: "worker", Phase: agent.PhaseActive, Owner: alice,
		Resources: agent.ResourceRequirements{MemoryMB: 300}, Version: 7,
	}
	adopted, err := f.m.Adopt(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(7), adopted.Version)
	assert.Equal(t, 300, f.ledger.CurrentUsage().MemoryMB)

	_, err = f.m.Adopt(ctx, rec)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)

	_, err = f.m.ForceKill(ctx, rec.ID, "")
	require.NoError(t, err)
	_, err = f.m.Adopt(ctx, rec)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
}

func TestRebindSession(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	out, err := f.m.RebindSession(context.Background(), rec.ID, "s2", agent.Provenance{OriginalSessionID: "s1", ResumedInSession: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "s2", out.Owner.SessionID)
	require.Len(t, out.Provenance, 1)
	assert.Greater(t, out.Version, rec.Version)
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, bigLimits())
	f.persister.failing = true
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	assert.Equal(t, agent.PhaseActive, rec.Phase)
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := OptionsFromConfig(config.LifecycleConfig{Recovery: config.RecoveryPolicyConfig{MaxAttempts: 3}})
	assert.Equal(t, 10*time.Second, opts.InitTimeout)
	assert.Equal(t, "exponential", opts.Recovery.Backoff)
	assert.Equal(t, 3, opts.Recovery.MaxAttempts)
}

func TestRequiredConfig(t *testing.T) {
	v := RequiredConfig{"writer": {"model"}}
	assert.NoError(t, v.ValidateConfig(context.Background(), "writer", map[string]any{"model": "x"}))
	err := v.ValidateConfig(context.Background(), "writer", nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
	assert.NoError(t, v.ValidateConfig(context.Background(), "other", nil))
}

func TestCreateAgent_RejectsIDsThatAreNotASingleKeySegment(t *testing.T) {
	f := newFixture(t, bigLimits())
	for _, id := range []string{"a/b", "../../../escaped", "..", "."} {
		_, err := f.m.CreateAgent(context.Background(), CreateRequest{AgentID: id, AgentType: "worker"}, alice)
		assert.ErrorIs(t, err, perrors.ErrInvalidArg, id)
	}
	assert.Zero(t, f.ledger.CurrentUsage().ConcurrentCount)
}

func TestCreateAgent_RejectsCycleAcrossSeparateCalls(t *testing.T) {
	f := newFixture(t, bigLimits())
	ctx := context.Background()

	_, err := f.m.CreateAgent(ctx, CreateRequest{AgentID: "a", AgentType: "x", Dependencies: []string{"b"}}, alice)
	require.NoError(t, err)
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentID: "b", AgentType: "x", Dependencies: []string{"a"}}, alice)
	require.ErrorIs(t, err, perrors.ErrCyclicDependency)
	assert.Equal(t, perrors.KindCyclicDependency, perrors.KindOf(err))
	assert.ElementsMatch(t, []string{"a", "b"}, perrors.DetailsOf(err)["agents"])

	_, err = f.m.Get("b")
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
	assert.Equal(t, 1, f.ledger.CurrentUsage().ConcurrentCount)

	// 另一个用户的同名能力不参与 alice 的依赖图
	bob := agent.UserContext{UserID: "bob", SessionID: "s2"}
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentID: "b-bob", AgentType: "x", Provides: []string{"b"}, Dependencies: []string{"a"}}, bob)
	require.NoError(t, err)

	// 非环依赖照常创建
	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentID: "b", AgentType: "x"}, alice)
	require.NoError(t, err)
}

// runUntilTerminated 启动一个 Execute，work 在 honour 为 false 时忽略取消
func runUntilTerminated(t *testing.T, f *fixture, id string, honour bool) (release func(), done <-chan struct{}) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = f.m.Execute(context.Background(), id, func(ctx context.Context, _ *agent.Record, r *Reporter) (map[string]any, error) {
			r.Thinking("working", nil)
			close(started)
			if honour {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			<-unblock
			return nil, nil
		})
	}()
	<-started
	var once sync.Once
	return func() { once.Do(func() { close(unblock) }) }, finished
}

func TestTerminate_InterruptedWorkGetsTerminalEvent(t *testing.T) {
	tests := []struct {
		name     string
		honour   bool
		wantType perrors.Kind
	}{
		{"work honours cancellation", true, perrors.KindTerminated},
		{"work ignores cancellation", false, perrors.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, bigLimits())
			f.m.opts.TerminationTimeout = 20 * time.Millisecond
			ctx := context.Background()
			rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

			release, done := runUntilTerminated(t, f, rec.ID, tt.honour)
			res, err := f.m.TerminateAgent(ctx, rec.ID, "user cancelled")
			require.NoError(t, err)
			assert.Equal(t, !tt.honour, res.Forced)
			_, err = f.m.CleanupAndDestroyAgent(ctx, rec.ID, CleanupOptions{Resources: true})
			require.NoError(t, err)
			release()
			<-done

			types := f.collector.Types("alice", rec.ID)
			require.Equal(t, []events.Type{events.AgentStarted, events.AgentThinking, events.AgentError}, types)
			last := f.collector.ForAgent("alice", rec.ID)[2]
			assert.Equal(t, string(tt.wantType), last.Data["error_type"])
		})
	}
}

func TestTerminate_IdleAgentEmitsNoError(t *testing.T) {
	f := newFixture(t, bigLimits())
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})
	_, err := f.m.TerminateAgent(context.Background(), rec.ID, "done")
	require.NoError(t, err)
	assert.NotContains(t, f.collector.Types("alice", rec.ID), events.AgentError)
}

func TestForceKill_InterruptedWorkGetsTerminalEvent(t *testing.T) {
	f := newFixture(t, bigLimits())
	f.m.opts.TerminationTimeout = 20 * time.Millisecond
	rec := f.activeAgent(t, CreateRequest{AgentType: "worker"})

	release, done := runUntilTerminated(t, f, rec.ID, false)
	res, err := f.m.ForceKill(context.Background(), rec.ID, "operator kill")
	require.NoError(t, err)
	assert.True(t, res.CleanupSuccessful)
	release()
	<-done

	evs := f.collector.ForAgent("alice", rec.ID)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, events.AgentError, last.Type)
	assert.Equal(t, string(perrors.KindTerminated), last.Data["error_type"])
}

func TestCleanup_IdempotentAfterTombstoneEviction(t *testing.T) {
	f := newFixture(t, bigLimits())
	f.m.maxBuried = 1
	ctx := context.Background()

	destroy := func(id string) {
		t.Helper()
		_, err := f.m.CreateAgent(ctx, CreateRequest{AgentID: id, AgentType: "worker"}, alice)
		require.NoError(t, err)
		_, err = f.m.ForceKill(ctx, id, "retired")
		require.NoError(t, err)
	}
	destroy("old")
	destroy("newer")

	f.m.mu.RLock()
	_, inMemory := f.m.tombstones["old"]
	f.m.mu.RUnlock()
	require.False(t, inMemory)

	res, err := f.m.CleanupAndDestroyAgent(ctx, "old", CleanupOptions{})
	require.NoError(t, err)
	assert.True(t, res.CleanupSuccessful)
	assert.True(t, res.AlreadyDestroyed)

	_, err = f.m.CreateAgent(ctx, CreateRequest{AgentID: "old", AgentType: "worker"}, alice)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
}
