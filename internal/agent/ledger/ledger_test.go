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

package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "agent-platform/pkg/errors"
)

func TestAllocate_Scenario(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 1024, TotalCPUCores: 8, MaxConcurrentAgents: 5}, nil)
	alloc, err := l.Allocate("a1", 256, 1)
	require.NoError(t, err)
	assert.Equal(t, 256, alloc.MemoryMB)
	assert.Equal(t, Usage{MemoryMB: 256, CPUCores: 1, ConcurrentCount: 1}, l.CurrentUsage())
}

func TestAllocate_MaxConcurrentRejected(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 4096, MaxConcurrentAgents: 5}, nil)
	for i := 0; i < 5; i++ {
		_, err := l.Allocate(fmt.Sprintf("a%d", i), 10, 0.1)
		require.NoError(t, err)
	}
	before := l.CurrentUsage()

	_, err := l.Allocate("a6", 10, 0.1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrResourceExhausted))
	violations, ok := perrors.DetailsOf(err)["violations"].([]Violation)
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, "concurrent_agents", violations[0].Resource)
	assert.Equal(t, before, l.CurrentUsage(), "ledger must be unchanged after rejection")
}

func TestAllocate_MemoryAndCPUViolations(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 512, TotalCPUCores: 2}, nil)
	_, err := l.Allocate("big", 1024, 4)
	require.Error(t, err)
	violations := perrors.DetailsOf(err)["violations"].([]Violation)
	require.Len(t, violations, 2)
	assert.Equal(t, "memory_mb", violations[0].Resource)
	assert.Equal(t, 512.0, violations[0].Available)
	assert.Equal(t, "cpu_cores", violations[1].Resource)
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 1024}, nil)
	_, err := l.Allocate("a1", 128, 0.5)
	require.NoError(t, err)

	alloc, released := l.Release("a1")
	assert.True(t, released)
	assert.Equal(t, 128, alloc.MemoryMB)

	_, released = l.Release("a1")
	assert.False(t, released)
	_, released = l.Release("never-allocated")
	assert.False(t, released)
	assert.Equal(t, Usage{}, l.CurrentUsage())
}

func TestAllocate_SameAgentIsIdempotent(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 1024}, nil)
	_, err := l.Allocate("a1", 128, 1)
	require.NoError(t, err)
	_, err = l.Allocate("a1", 128, 1)
	require.NoError(t, err)
	assert.Equal(t, 128, l.CurrentUsage().MemoryMB)
}

func TestConcurrentAllocateNeverExceedsLimits(t *testing.T) {
	const limit = 1000
	l := New(Limits{TotalMemoryMB: limit, TotalCPUCores: 10, MaxConcurrentAgents: 40}, nil)

	var wg sync.WaitGroup
	var granted int64
	var exceeded atomic.Bool
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			if _, err := l.Allocate(id, 30, 0.3); err == nil {
				atomic.AddInt64(&granted, 1)
				u := l.CurrentUsage()
				if u.MemoryMB > limit || u.CPUCores > 10 || u.ConcurrentCount > 40 {
					exceeded.Store(true)
				}
				if i%2 == 0 {
					l.Release(id)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.False(t, exceeded.Load(), "observed usage above limits")
	assert.Greater(t, granted, int64(0))
}

func TestConservationAcrossFullCycle(t *testing.T) {
	l := New(Limits{TotalMemoryMB: 10000, TotalCPUCores: 100}, nil)
	var allocated, released int
	var allocatedCPU, releasedCPU float64
	for i := 0; i < 50; i++ {
		a, err := l.Allocate(fmt.Sprintf("a%d", i), 7*i+1, 0.1*float64(i%7))
		require.NoError(t, err)
		allocated += a.MemoryMB
		allocatedCPU += a.CPUCores
	}
	for i := 0; i < 50; i++ {
		a, ok := l.Release(fmt.Sprintf("a%d", i))
		require.True(t, ok)
		released += a.MemoryMB
		releasedCPU += a.CPUCores
	}
	assert.Equal(t, allocated, released)
	assert.Equal(t, allocatedCPU, releasedCPU)
	assert.Equal(t, Usage{}, l.CurrentUsage(), "fractional cores must cancel exactly")
}
