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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "agent-platform/pkg/errors"
)

func TestEmitter_PerAgentUserOrdering(t *testing.T) {
	c := NewCollector()
	e := NewEmitter(c)
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		agentID := fmt.Sprintf("agent-%d", a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Emit(ctx, AgentThinking, agentID, "alice", map[string]any{"i": i})
			}
		}()
	}
	wg.Wait()

	for a := 0; a < 4; a++ {
		evs := c.ForAgent("alice", fmt.Sprintf("agent-%d", a))
		require.Len(t, evs, 50)
		for i, ev := range evs {
			assert.Equal(t, uint64(i+1), ev.Seq)
			assert.Equal(t, i, ev.Data["i"])
		}
	}
}

func TestEmitter_ContextSinkOverridesDefault(t *testing.T) {
	def := NewCollector()
	perExec := NewCollector()
	e := NewEmitter(def)

	ctx := WithSink(context.Background(), perExec)
	_, delivered := e.Emit(ctx, AgentStarted, "agent-1", "alice", nil)
	assert.True(t, delivered)
	assert.Empty(t, def.Events("alice"))
	assert.Equal(t, []Type{AgentStarted}, perExec.Types("alice", "agent-1"))
}

func TestEmitter_SinkFailureIsNotFatal(t *testing.T) {
	e := NewEmitter(SinkFunc(func(ctx context.Context, userID string, ev Event) (bool, error) {
		return false, errors.New("socket closed")
	}))
	ev, delivered := e.Emit(context.Background(), AgentError, "agent-1", "alice", ErrorData(perrors.ErrTimeout, "timed out"))
	assert.False(t, delivered)
	assert.Equal(t, "timeout", ev.Data["error_type"])

	_, delivered = NewEmitter(nil).Emit(context.Background(), AgentStarted, "a", "u", nil)
	assert.False(t, delivered)
}

func TestEmitter_SubscribeScopedByUser(t *testing.T) {
	e := NewEmitter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	alice := e.Subscribe(ctx, "alice")
	bob := e.Subscribe(ctx, "bob")

	e.Emit(context.Background(), AgentStarted, "agent-1", "alice", nil)
	e.Emit(context.Background(), AgentCompleted, "agent-1", "alice", nil)

	got := []Type{(<-alice).Type, (<-alice).Type}
	assert.Equal(t, []Type{AgentStarted, AgentCompleted}, got)
	select {
	case ev := <-bob:
		t.Fatalf("bob received alice's event: %+v", ev)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-alice:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestEmitter_SlowSubscriberIsDropped(t *testing.T) {
	e := NewEmitter(nil, WithSubscriberBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.Subscribe(ctx, "alice")
	e.Emit(ctx, AgentThinking, "agent-1", "alice", nil)
	e.Emit(ctx, AgentThinking, "agent-1", "alice", nil)

	_, ok := <-ch
	assert.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok, "channel closed after overflow")
	cancel()
}

func TestErrorData(t *testing.T) {
	err := perrors.New(perrors.KindUnrecoverableDataLoss, "recover", "all tiers exhausted")
	d := ErrorData(err, "")
	assert.Equal(t, "unrecoverable_data_loss", d["error_type"])
	assert.Equal(t, "recover: all tiers exhausted", d["message"])

	d = ErrorData(nil, "fallback used")
	assert.Equal(t, "fallback used", d["message"])
	assert.NotContains(t, d, "error_type")
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, AgentCompleted.Terminal())
	assert.True(t, AgentCompletedWithFallback.Terminal())
	assert.False(t, ToolExecuting.Terminal())
}

func TestWebhookSink(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		var body webhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body.UserID)
		assert.Equal(t, AgentStarted, body.Event.Type)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL, Token: "s3cret", Retries: 2, RPS: 100, Timeout: time.Second})
	require.NoError(t, err)
	e := NewEmitter(sink)
	_, delivered := e.Emit(context.Background(), AgentStarted, "agent-1", "alice", nil)
	assert.True(t, delivered)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSink_ClientErrorNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	sink, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	ok, err := sink.Send(context.Background(), "alice", newEvent(AgentStarted, "a", "alice", nil))
	assert.False(t, ok)
	assert.Error(t, err)

	_, err = NewWebhookSink(WebhookConfig{})
	assert.Error(t, err)
}
