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
	"sort"

	"agent-platform/internal/agent"
	"agent-platform/pkg/metrics"
)

// FieldKind state_data 字段期望类型
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldObject FieldKind = "object"
	FieldArray  FieldKind = "array"
	FieldAny    FieldKind = "any"
)

// Schema 某类 Agent 的 state_data 结构：字段名 -> 期望类型；列出的字段必须存在
type Schema map[string]FieldKind

// SchemaFromConfig 转换配置中的 schema；未知类型报错
func SchemaFromConfig(m map[string]string) (Schema, error) {
	out := make(Schema, len(m))
	for field, kind := range m {
		switch k := FieldKind(kind); k {
		case FieldString, FieldNumber, FieldBool, FieldObject, FieldArray, FieldAny:
			out[field] = k
		default:
			return nil, fmt.Errorf("field %q: unknown kind %q", field, kind)
		}
	}
	return out, nil
}

// 违规类别
const (
	ViolationChecksumMismatch = "checksum_mismatch"
	ViolationMissingField     = "missing_field"
	ViolationTypeMismatch     = "type_mismatch"
	ViolationInvalidPhase     = "invalid_phase"
	ViolationEncoding         = "encoding"
)

// IntegrityViolation 一条违规
type IntegrityViolation struct {
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// IntegrityReport validate_state_integrity 结果
type IntegrityReport struct {
	IntegrityValid     bool                 `json:"integrity_valid"`
	CorruptionDetected bool                 `json:"corruption_detected"`
	Checksum           string               `json:"checksum"`
	ReferenceChecksum  string               `json:"reference_checksum,omitempty"`
	Violations         []IntegrityViolation `json:"violations,omitempty"`
}

// ValidateIntegrity 重新计算 rec 的校验和并与 reference 比较，同时检查结构与 state_data 类型。
// reference 为空时只做结构检查。
func (s *Store) ValidateIntegrity(rec *agent.Record, reference string) IntegrityReport {
	report := IntegrityReport{ReferenceChecksum: reference}
	if rec == nil {
		report.Violations = append(report.Violations, IntegrityViolation{Kind: ViolationMissingField, Field: "record"})
		return s.finishReport(report)
	}
	payload, err := Marshal(rec)
	if err != nil {
		report.Violations = append(report.Violations, IntegrityViolation{Kind: ViolationEncoding, Actual: err.Error()})
		return s.finishReport(report)
	}
	report.Checksum = s.sum.Sum(payload)
	if reference != "" && reference != report.Checksum {
		report.Violations = append(report.Violations, IntegrityViolation{
			Kind:     ViolationChecksumMismatch,
			Expected: reference,
			Actual:   report.Checksum,
		})
	}
	report.Violations = append(report.Violations, s.structuralViolations(rec)...)
	return s.finishReport(report)
}

func (s *Store) finishReport(report IntegrityReport) IntegrityReport {
	report.CorruptionDetected = len(report.Violations) > 0
	report.IntegrityValid = !report.CorruptionDetected
	for _, v := range report.Violations {
		metrics.IntegrityViolationsTotal.WithLabelValues(v.Kind).Inc()
	}
	return report
}

func (s *Store) structuralViolations(rec *agent.Record) []IntegrityViolation {
	var out []IntegrityViolation
	if rec.ID == "" {
		out = append(out, IntegrityViolation{Kind: ViolationMissingField, Field: "agent_id"})
	}
	if rec.Type == "" {
		out = append(out, IntegrityViolation{Kind: ViolationMissingField, Field: "agent_type"})
	}
	if rec.Owner.UserID == "" {
		out = append(out, IntegrityViolation{Kind: ViolationMissingField, Field: "owner.user_id"})
	}
	if !rec.Phase.Valid() {
		out = append(out, IntegrityViolation{Kind: ViolationInvalidPhase, Field: "lifecycle_phase", Actual: string(rec.Phase)})
	}
	s.mu.RLock()
	schema, ok := s.schemas[rec.Type]
	s.mu.RUnlock()
	if !ok {
		return out
	}
	fields := make([]string, 0, len(schema))
	for f := range schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		want := schema[f]
		v, present := rec.StateData[f]
		if !present {
			out = append(out, IntegrityViolation{Kind: ViolationMissingField, Field: "state_data." + f, Expected: string(want)})
			continue
		}
		if got := kindOf(v); want != FieldAny && got != want {
			out = append(out, IntegrityViolation{
				Kind:     ViolationTypeMismatch,
				Field:    "state_data." + f,
				Expected: string(want),
				Actual:   string(got),
			})
		}
	}
	return out
}

func kindOf(v any) FieldKind {
	switch v.(type) {
	case string:
		return FieldString
	case bool:
		return FieldBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return FieldNumber
	case map[string]any:
		return FieldObject
	case []any, []string, []int, []float64, []map[string]any:
		return FieldArray
	case nil:
		return "null"
	default:
		return FieldKind(fmt.Sprintf("%T", v))
	}
}
