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

package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/ledger"
	"agent-platform/internal/agent/lifecycle"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/cache"
	"agent-platform/internal/storage/metadata"
	"agent-platform/internal/storage/object"
	"agent-platform/internal/storage/statestore"
	perrors "agent-platform/pkg/errors"
)

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.New(map[statestore.Tier]statestore.Backend{
		statestore.TierFast:     cache.NewMemoryStore(0),
		statestore.TierDurable:  metadata.NewMemoryStore(),
		statestore.TierArchival: object.NewMemoryStore(object.CompressionLZ4),
	}, statestore.Options{})
	require.NoError(t, err)
	return s
}

// boot 模拟一次进程启动：新的 Manager 与 Tracker 共享同一个 StateStore
func boot(store *statestore.Store) (*Tracker, *lifecycle.Manager) {
	l := ledger.New(ledger.Limits{TotalMemoryMB: 4096, TotalCPUCores: 8, MaxConcurrentAgents: 20}, nil)
	m := lifecycle.New(l, events.NewEmitter(events.NewCollector()), lifecycle.DefaultOptions())
	tr := New(m, store, Options{WriteThrough: true})
	return tr, m
}

var (
	alice = agent.UserContext{UserID: "alice", ThreadID: "thread_X", SessionID: "s1"}
	bob   = agent.UserContext{UserID: "bob", ThreadID: "thread_X", SessionID: "s9"}
)

func activeAgent(t *testing.T, m *lifecycle.Manager, owner agent.UserContext, data map[string]any) *agent.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := m.CreateAgent(ctx, lifecycle.CreateRequest{
		AgentType: "research_assistant",
		Resources: agent.ResourceRequirements{MemoryMB: 128, CPUCores: 0.5},
		StateData: data,
	}, owner)
	require.NoError(t, err)
	_, err = m.InitializeAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	rec, err = m.ActivateAgent(ctx, rec.ID, nil)
	require.NoError(t, err)
	return rec
}

func TestWriteThroughSnapshotsEveryTransition(t *testing.T) {
	store := newStore(t)
	_, m := boot(store)
	rec := activeAgent(t, m, alice, map[string]any{"step": 1})

	snaps, err := store.ListSnapshots(context.Background(), rec.ID, statestore.TierFast)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	assert.Equal(t, agent.PhaseActive, snaps[0].Phase)

	_, latest, err := store.LatestValid(context.Background(), rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, latest.Version)
}

func TestWriteThroughDisabled(t *testing.T) {
	store := newStore(t)
	l := ledger.New(ledger.Limits{}, nil)
	m := lifecycle.New(l, nil, lifecycle.DefaultOptions())
	New(m, store, Options{WriteThrough: false})
	rec := activeAgent(t, m, alice, nil)

	snaps, err := store.ListSnapshots(context.Background(), rec.ID, statestore.TierFast)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestTransitionAndUpdateAreSnapshotted(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	rec := activeAgent(t, m, alice, nil)

	_, err := tr.UpdateAgentStateData(ctx, rec.ID, map[string]any{"notes": "draft"})
	require.NoError(t, err)
	out, err := tr.TransitionAgentState(ctx, rec.ID, agent.PhaseActive, agent.PhaseProcessing, map[string]any{"task": "t1"})
	require.NoError(t, err)

	_, latest, err := store.LatestValid(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, out.Version, latest.Version)
	assert.Equal(t, agent.PhaseProcessing, latest.Phase)
	assert.Equal(t, "draft", latest.StateData["notes"])
	assert.Equal(t, "t1", latest.StateData["task"])

	_, err = tr.TransitionAgentState(ctx, rec.ID, agent.PhaseActive, agent.PhaseProcessing, nil)
	assert.ErrorIs(t, err, perrors.ErrStaleTransition)
}

func TestConcurrentStateUpdatesAreNotLost(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	rec := activeAgent(t, m, alice, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.UpdateAgentStateData(ctx, rec.ID, map[string]any{fmt.Sprintf("k%d", i): i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	live, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Len(t, live.StateData, 20)

	_, latest, err := store.LatestValid(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, live.Version, latest.Version)
	assert.Len(t, latest.StateData, 20)
}

func TestRecoverAgentStateAfterRestart(t *testing.T) {
	store := newStore(t)
	_, m := boot(store)
	ctx := context.Background()
	rec := activeAgent(t, m, alice, map[string]any{"progress": 40})

	tr2, m2 := boot(store)
	got, err := tr2.RecoverAgentState(ctx, rec.ID, alice, LatestSnapshot)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseActive, got.Phase)
	assert.EqualValues(t, 40, got.StateData["progress"])
	assert.Equal(t, 128, m2.Ledger().CurrentUsage().MemoryMB)

	next, err := tr2.TransitionAgentState(ctx, rec.ID, agent.PhaseActive, agent.PhaseProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseProcessing, next.Phase)

	again, err := tr2.RecoverAgentState(ctx, rec.ID, alice, LatestSnapshot)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseProcessing, again.Phase)
}

func TestRecoverAgentState_OwnerAndDestroyed(t *testing.T) {
	store := newStore(t)
	_, m := boot(store)
	ctx := context.Background()
	rec := activeAgent(t, m, alice, nil)

	tr2, _ := boot(store)
	_, err := tr2.RecoverAgentState(ctx, rec.ID, bob, LatestSnapshot)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)

	_, err = m.TerminateAgent(ctx, rec.ID, "")
	require.NoError(t, err)
	_, err = m.CleanupAndDestroyAgent(ctx, rec.ID, lifecycle.CleanupOptions{Resources: true, State: true})
	require.NoError(t, err)

	tr3, _ := boot(store)
	_, err = tr3.RecoverAgentState(ctx, rec.ID, alice, LatestSnapshot)
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
}

func TestRecoverAgentState_LatestStable(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	rec := activeAgent(t, m, alice, map[string]any{"v": "stable"})
	_, err := tr.TransitionAgentState(ctx, rec.ID, agent.PhaseActive, agent.PhaseProcessing, map[string]any{"v": "in-flight"})
	require.NoError(t, err)

	tr2, _ := boot(store)
	got, err := tr2.RecoverAgentState(ctx, rec.ID, alice, LatestStableSnapshot)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseActive, got.Phase)
	assert.Equal(t, "stable", got.StateData["v"])
}

func TestFindResumableWork_IsolatedByUser(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()

	a := activeAgent(t, m, alice, nil)
	b := activeAgent(t, m, bob, nil)
	cr, err := tr.EndSession(ctx, a.ID, true, map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.NotNil(t, cr)
	assert.Equal(t, "s1", cr.OriginalSessionID)
	_, err = tr.EndSession(ctx, b.ID, true, nil)
	require.NoError(t, err)

	bobs, err := tr.FindResumableWork(ctx, "bob", "thread_X")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, b.ID, bobs[0].AgentID)

	alices, err := tr.FindResumableWork(ctx, "alice", "thread_X")
	require.NoError(t, err)
	require.Len(t, alices, 1)
	assert.Equal(t, a.ID, alices[0].AgentID)
	assert.Equal(t, "go", alices[0].Metadata["topic"])

	none, err := tr.FindResumableWork(ctx, "alice", "thread_Y")
	require.NoError(t, err)
	assert.Empty(t, none)

	// 前缀相近的用户互不可见
	al := agent.UserContext{UserID: "al", ThreadID: "thread_X", SessionID: "s5"}
	c := activeAgent(t, m, al, nil)
	_, err = tr.EndSession(ctx, c.ID, true, nil)
	require.NoError(t, err)
	alices, err = tr.FindResumableWork(ctx, "al", "")
	require.NoError(t, err)
	require.Len(t, alices, 1)
	assert.Equal(t, c.ID, alices[0].AgentID)
}

func TestFindResumableWork_OtherUserSeesNothing(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, nil)
	_, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)

	got, err := tr.FindResumableWork(ctx, "bob", "thread_X")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = tr.FindResumableWork(ctx, "", "thread_X")
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
}

func TestEndSession_NotResumable(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, nil)
	cr, err := tr.EndSession(ctx, a.ID, false, nil)
	require.NoError(t, err)
	assert.Nil(t, cr)

	snaps, err := store.ListSnapshots(ctx, a.ID, statestore.TierDurable)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, statestore.KindSessionEnd, snaps[0].Kind)

	got, err := tr.FindResumableWork(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResumeCrossSessionAgent(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, map[string]any{"draft": "chapter 1"})
	_, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)

	_, err = tr.ResumeCrossSessionAgent(ctx, a.ID, "s1", agent.UserContext{UserID: "bob", SessionID: "s9"})
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)
	_, err = tr.ResumeCrossSessionAgent(ctx, a.ID, "wrong-session", agent.UserContext{UserID: "alice", SessionID: "s2"})
	assert.ErrorIs(t, err, perrors.ErrAgentNotFound)

	rec, err := tr.ResumeCrossSessionAgent(ctx, a.ID, "s1", agent.UserContext{UserID: "alice", ThreadID: "thread_X", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.Owner.SessionID)
	assert.Equal(t, "chapter 1", rec.StateData["draft"])
	require.Len(t, rec.Provenance, 1)
	assert.Equal(t, "s1", rec.Provenance[0].OriginalSessionID)
	assert.Equal(t, "s2", rec.Provenance[0].ResumedInSession)

	left, err := tr.FindResumableWork(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestResumeCrossSessionAgentAfterRestart(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, map[string]any{"draft": "chapter 2"})
	_, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)

	tr2, m2 := boot(store)
	work, err := tr2.FindResumableWork(ctx, "alice", "thread_X")
	require.NoError(t, err)
	require.Len(t, work, 1)

	rec, err := tr2.ResumeCrossSessionAgent(ctx, work[0].AgentID, work[0].OriginalSessionID,
		agent.UserContext{UserID: "alice", ThreadID: "thread_X", SessionID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, "chapter 2", rec.StateData["draft"])

	live, err := m2.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3", live.Owner.SessionID)
}

func TestContinuityExpiryAndPurge(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	tr.opts.ContinuityTTL = time.Hour
	ctx := context.Background()
	a := activeAgent(t, m, alice, nil)
	_, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)

	base := time.Now()
	tr.now = func() time.Time { return base.Add(2 * time.Hour) }
	got, err := tr.FindResumableWork(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := tr.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err := store.ListRecords(ctx, ContinuityNamespace, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPurgeAllRemovesContinuity(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, nil)
	_, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)

	_, err = m.TerminateAgent(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = m.CleanupAndDestroyAgent(ctx, a.ID, lifecycle.CleanupOptions{Persistence: true})
	require.NoError(t, err)

	got, err := tr.FindResumableWork(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, got)
	for _, tier := range statestore.DefaultOrder {
		snaps, err := store.ListSnapshots(ctx, a.ID, tier)
		require.NoError(t, err)
		assert.Empty(t, snaps, tier)
	}
}

func TestDestroyedAgentStaysBuriedAcrossRestart(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	req := lifecycle.CreateRequest{AgentID: "agent-fixed", AgentType: "research_assistant"}
	_, err := m.CreateAgent(ctx, req, alice)
	require.NoError(t, err)
	_, err = m.ForceKill(ctx, req.AgentID, "retired")
	require.NoError(t, err)

	dead, err := tr.Destroyed(ctx, req.AgentID)
	require.NoError(t, err)
	assert.True(t, dead)

	_, m2 := boot(store)
	_, err = m2.CreateAgent(ctx, req, alice)
	assert.ErrorIs(t, err, perrors.ErrInvalidArg)
	res, err := m2.CleanupAndDestroyAgent(ctx, req.AgentID, lifecycle.CleanupOptions{})
	require.NoError(t, err)
	assert.True(t, res.AlreadyDestroyed)
}

func TestPurgeAllLeavesTombstone(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()
	a := activeAgent(t, m, alice, nil)
	_, err := m.TerminateAgent(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = m.CleanupAndDestroyAgent(ctx, a.ID, lifecycle.CleanupOptions{Persistence: true})
	require.NoError(t, err)

	dead, err := tr.Destroyed(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, dead)
	alive, err := tr.Destroyed(ctx, "never-created")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestDegradedModeIsSessionScoped(t *testing.T) {
	store := newStore(t)
	tr, m := boot(store)
	ctx := context.Background()

	tr.SetCapability("s1", "analytics", false)
	tr.SetCapability("s1", "search", true)
	assert.True(t, tr.Degraded("s1"))
	assert.False(t, tr.Degraded("s2"))
	assert.Equal(t, map[string]bool{"analytics": false, "search": true}, tr.Capabilities("s1"))

	a := activeAgent(t, m, alice, nil)
	live, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.PhaseActive, live.Phase)

	cr, err := tr.EndSession(ctx, a.ID, true, nil)
	require.NoError(t, err)
	assert.EqualValues(t, []string{"analytics"}, cr.Metadata["degraded_capabilities"])

	tr.SetCapability("s1", "analytics", true)
	assert.False(t, tr.Degraded("s1"))
	tr.ClearSession("s1")
	assert.Empty(t, tr.Capabilities("s1"))
}
