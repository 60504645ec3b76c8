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

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrapf(err, "id=%s", "a")
	if wrapped == nil {
		t.Fatal("Wrapf(err, ...) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Error("ErrNotFound should be Is ErrNotFound")
	}
	if !errors.Is(ErrInvalidArg, ErrInvalidArg) {
		t.Error("ErrInvalidArg should be Is ErrInvalidArg")
	}
}

func TestStructuredErrorMatchesSentinel(t *testing.T) {
	err := New(KindResourceExhausted, "ledger.allocate", "memory limit").
		WithDetail("resource", "memory_mb")
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatal("structured error should match its sentinel")
	}
	if errors.Is(err, ErrStaleTransition) {
		t.Fatal("structured error should not match other sentinels")
	}
	wrapped := Wrap(err, "create agent")
	if KindOf(wrapped) != KindResourceExhausted {
		t.Errorf("KindOf(wrapped) = %q", KindOf(wrapped))
	}
	if DetailsOf(wrapped)["resource"] != "memory_mb" {
		t.Errorf("details lost through Wrap: %v", DetailsOf(wrapped))
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"sentinel", ErrAgentNotFound, KindAgentNotFound},
		{"wrapped sentinel", Wrapf(ErrCyclicDependency, "graph %s", "g1"), KindCyclicDependency},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Newf(KindTimeout, "lifecycle.initialize", "exceeded %s", "5s").WithCause(errors.New("context deadline exceeded"))
	want := "lifecycle.initialize: exceeded 5s: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
