// Package errors 提供统一错误辅助与 Agent 运行时的错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// 运行时错误分类；调用方通过 errors.Is 判断
var (
	// ErrResourceExhausted 资源账本无法满足分配；不自动重试
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrStaleTransition 阶段 CAS 失败：from_phase 与当前阶段不一致
	ErrStaleTransition = errors.New("stale transition")
	// ErrInvalidTransition 状态机中不存在该边
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDependencyNotReady 上游依赖尚未处于 ACTIVE/COMPLETING
	ErrDependencyNotReady = errors.New("dependency not ready")
	// ErrIntegrityViolation 校验和或结构校验失败
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrCyclicDependency 依赖图存在环
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrAgentNotFound Agent 不存在或已 DESTROYED
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTimeout 初始化/激活/终止超时
	ErrTimeout = errors.New("timeout")
	// ErrTierUnavailable 存储层被排除或写入失败
	ErrTierUnavailable = errors.New("tier unavailable")
	// ErrUnrecoverableDataLoss 所有层都没有有效快照
	ErrUnrecoverableDataLoss = errors.New("unrecoverable data loss")
	// ErrTerminated 在途工作被终止
	ErrTerminated = errors.New("terminated")
)

// Kind 面向用户的 error_type
type Kind string

const (
	KindResourceExhausted     Kind = "resource_exhausted"
	KindStaleTransition       Kind = "stale_transition"
	KindInvalidTransition     Kind = "invalid_transition"
	KindDependencyNotReady    Kind = "dependency_not_ready"
	KindIntegrityViolation    Kind = "integrity_violation"
	KindCyclicDependency      Kind = "cyclic_dependency"
	KindAgentNotFound         Kind = "agent_not_found"
	KindTimeout               Kind = "timeout"
	KindTierUnavailable       Kind = "tier_unavailable"
	KindInvalidArgument       Kind = "invalid_argument"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
	KindUnrecoverableDataLoss Kind = "unrecoverable_data_loss"
	KindTerminated            Kind = "terminated"
)

var kindSentinels = map[Kind]error{
	KindResourceExhausted:  ErrResourceExhausted,
	KindStaleTransition:    ErrStaleTransition,
	KindInvalidTransition:  ErrInvalidTransition,
	KindDependencyNotReady: ErrDependencyNotReady,
	KindIntegrityViolation: ErrIntegrityViolation,
	KindCyclicDependency:   ErrCyclicDependency,
	KindAgentNotFound:      ErrAgentNotFound,
	KindTimeout:            ErrTimeout,
	KindTierUnavailable:    ErrTierUnavailable,
	KindInvalidArgument:    ErrInvalidArg,
	KindNotFound:           ErrNotFound,

	KindUnrecoverableDataLoss: ErrUnrecoverableDataLoss,
	KindTerminated:            ErrTerminated,
}

// Error 结构化错误：携带操作名、分类与明细（如账本违规项、环上的 Agent）
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

// New 创建结构化错误
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf 带格式的 New
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithDetail 附加明细，返回自身便于链式调用
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause 附加底层错误
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrXxx) 对同分类的结构化错误成立
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// KindOf 返回错误分类；未知错误返回 KindInternal，nil 返回空
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// DetailsOf 取结构化错误的明细
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is / As 透传标准库，调用方只需导入本包
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
