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

package statestore

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-platform/internal/agent"
)

// Snapshot 一次持久化的 Agent 状态。Payload 为 Record 的规范化 CBOR，Checksum 覆盖 Payload。
type Snapshot struct {
	ID        string      `json:"snapshot_id" cbor:"id"`
	AgentID   string      `json:"agent_id" cbor:"agent_id"`
	UserID    string      `json:"user_id" cbor:"user_id"`
	Version   int64       `json:"version" cbor:"seq"`
	Phase     agent.Phase `json:"phase" cbor:"phase"`
	Kind      string      `json:"kind" cbor:"kind"`
	Tier      Tier        `json:"tier" cbor:"tier"`
	Algorithm string      `json:"algorithm" cbor:"algorithm"`
	Checksum  string      `json:"checksum" cbor:"checksum"`
	Payload   []byte      `json:"-" cbor:"payload"`
	CreatedAt time.Time   `json:"created_at" cbor:"created_at"`
}

// 快照类型
const (
	KindTransition = "transition"  // 阶段迁移
	KindStateData  = "state_data"  // state_data 更新
	KindSessionEnd = "session_end" // 会话结束
	KindBackup     = "backup"      // 灾备副本
	KindManual     = "manual"
)

// NewSnapshotID 生成引用所在层的快照 ID
func NewSnapshotID(tier Tier) string {
	return "snap-" + string(tier) + "-" + uuid.New().String()
}

// TierOfID 从快照 ID 解析层；无法解析返回空
func TierOfID(id string) Tier {
	rest, ok := strings.CutPrefix(id, "snap-")
	if !ok {
		return ""
	}
	name, _, ok := strings.Cut(rest, "-")
	if !ok {
		return ""
	}
	t, err := ParseTier(name)
	if err != nil {
		return ""
	}
	return t
}

// retier 改写 ID 中的层名，uuid 部分不变
func retier(id string, tier Tier) string {
	from := TierOfID(id)
	if from == "" {
		return id
	}
	return "snap-" + string(tier) + strings.TrimPrefix(id, "snap-"+string(from))
}

// keySegment 把 ID 转成单个 key 段：不含 "/"，也不会是 "." 或 ".."
func keySegment(id string) string {
	switch id {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(id)
}

// SnapshotKey 快照在后端中的 key；agentID 与 snapshotID 各占一段，不同 Agent 的 key 互不为前缀
func SnapshotKey(agentID, snapshotID string) string {
	return "snap/" + keySegment(agentID) + "/" + keySegment(snapshotID)
}

func snapshotPrefix(agentID string) string {
	return "snap/" + keySegment(agentID) + "/"
}

// RecordKey 通用记录在后端中的 key
func RecordKey(namespace, key string) string {
	return "kv/" + namespace + "/" + key
}

// Verify 校验 Payload 是否与 Checksum 一致
func (s *Snapshot) Verify() bool {
	if s == nil || s.Checksum == "" {
		return false
	}
	return sumWith(s.Algorithm, s.Payload) == s.Checksum
}

// Record 解码 Payload
func (s *Snapshot) Record() (*agent.Record, error) {
	var rec agent.Record
	if err := Unmarshal(s.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot %s payload: %w", s.ID, err)
	}
	return &rec, nil
}

// Clone 拷贝（Payload 独立）
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Payload = append([]byte(nil), s.Payload...)
	return &out
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	return Marshal(s)
}

func decodeSnapshot(blob []byte) (*Snapshot, error) {
	var s Snapshot
	if err := Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot envelope: %w", err)
	}
	return &s, nil
}

// sortNewestFirst 按版本、创建时间倒序
func sortNewestFirst(snaps []*Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Version != snaps[j].Version {
			return snaps[i].Version > snaps[j].Version
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
}
