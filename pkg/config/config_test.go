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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
ledger:
  total_memory_mb: 1024
  max_concurrent_agents: 5
statestore:
  checksum: "blake3"
  durable:
    type: "sqlite"
    path: "/tmp/state.db"
  schemas:
    reporter:
      report: "string"
      pages: "number"
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Ledger.TotalMemoryMB != 1024 || cfg.Ledger.MaxConcurrentAgents != 5 {
		t.Errorf("Ledger: got %+v", cfg.Ledger)
	}
	// 未配置项使用默认值
	if cfg.Ledger.TotalCPUCores != 8 {
		t.Errorf("Ledger.TotalCPUCores default: got %v", cfg.Ledger.TotalCPUCores)
	}
	if cfg.StateStore.Checksum != "blake3" {
		t.Errorf("StateStore.Checksum: got %q", cfg.StateStore.Checksum)
	}
	if cfg.StateStore.Durable.Type != "sqlite" || cfg.StateStore.Durable.Path != "/tmp/state.db" {
		t.Errorf("StateStore.Durable: got %+v", cfg.StateStore.Durable)
	}
	if cfg.StateStore.Schemas["reporter"]["pages"] != "number" {
		t.Errorf("StateStore.Schemas: got %+v", cfg.StateStore.Schemas)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if len(cfg.StateStore.TierOrder) != 3 || cfg.StateStore.TierOrder[0] != "fast" {
		t.Errorf("TierOrder: got %v", cfg.StateStore.TierOrder)
	}
	if !cfg.Tracker.WriteThrough {
		t.Error("Tracker.WriteThrough should default to true")
	}
	if Duration(cfg.Recovery.RTO, 0) != 30*time.Second {
		t.Errorf("Recovery.RTO: got %q", cfg.Recovery.RTO)
	}
}

func TestResolveSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTKey = "secret:jwt"
	cfg.StateStore.Durable.DSN = "postgres://plain"
	err := ResolveSecrets(context.Background(), cfg, func(ctx context.Context, name string) (string, error) {
		if name == "jwt" {
			return "k3y", nil
		}
		return "", errors.New("unknown")
	})
	if err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Auth.JWTKey != "k3y" {
		t.Errorf("JWTKey: got %q", cfg.Auth.JWTKey)
	}
	if cfg.StateStore.Durable.DSN != "postgres://plain" {
		t.Errorf("plain DSN should be untouched: got %q", cfg.StateStore.Durable.DSN)
	}
}

func TestDuration(t *testing.T) {
	if Duration("", time.Second) != time.Second {
		t.Error("empty should fall back")
	}
	if Duration("bogus", time.Second) != time.Second {
		t.Error("invalid should fall back")
	}
	if Duration("250ms", time.Second) != 250*time.Millisecond {
		t.Error("valid duration should parse")
	}
}
