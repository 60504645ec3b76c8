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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode Core Deterministic Encoding（RFC 8949 §4.2）：map 键排序、最短整数编码，
// 同一逻辑数据总是得到相同字节，校验和才有意义。
var encMode cbor.EncMode

// decMode any 目标解码为 map[string]any / int64，重新编码后字节不变
var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("statestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("statestore: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 规范化编码
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// 校验算法
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// Checksummer 计算 payload 的十六进制摘要
type Checksummer struct {
	algorithm string
}

// NewChecksummer 创建；algorithm 为空时使用 sha256
func NewChecksummer(algorithm string) (Checksummer, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		return Checksummer{algorithm: AlgorithmSHA256}, nil
	case AlgorithmBLAKE3:
		return Checksummer{algorithm: AlgorithmBLAKE3}, nil
	default:
		return Checksummer{}, fmt.Errorf("unsupported checksum algorithm: %q", algorithm)
	}
}

// Algorithm 算法名
func (c Checksummer) Algorithm() string {
	return c.algorithm
}

// Sum 计算摘要
func (c Checksummer) Sum(payload []byte) string {
	return sumWith(c.algorithm, payload)
}

// sumWith 按信封中记录的算法计算，保证换算法后旧快照仍可校验
func sumWith(algorithm string, payload []byte) string {
	var h hash.Hash
	if algorithm == AlgorithmBLAKE3 {
		h = blake3.New()
	} else {
		h = sha256.New()
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
