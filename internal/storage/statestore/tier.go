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

import "fmt"

// Tier 持久化层
type Tier string

const (
	TierFast     Tier = "fast"     // 低延迟、易失
	TierDurable  Tier = "durable"  // 崩溃一致
	TierArchival Tier = "archival" // 冷存储、跨区域
)

// DefaultOrder 默认回退顺序
var DefaultOrder = []Tier{TierFast, TierDurable, TierArchival}

// ParseTier 解析层名
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFast, TierDurable, TierArchival:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier: %q", s)
	}
}

// ParseOrder 解析层顺序；为空返回 DefaultOrder
func ParseOrder(names []string) ([]Tier, error) {
	if len(names) == 0 {
		return append([]Tier(nil), DefaultOrder...), nil
	}
	seen := make(map[Tier]bool, len(names))
	out := make([]Tier, 0, len(names))
	for _, n := range names {
		t, err := ParseTier(n)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate tier in order: %q", n)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Geo 是否为跨区域层
func (t Tier) Geo() bool {
	return t == TierArchival
}
