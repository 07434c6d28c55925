// Package ids 生成 thread / run / message 标识。
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// 标识前缀。
const (
	ThreadPrefix  = "thread_"
	RunPrefix     = "run_"
	MessagePrefix = "msg_"
)

// Generator 标识生成器。
type Generator interface {
	ThreadID() string
	RunID() string
	MessageID() string
}

// UUID 前缀 + UUIDv4 生成器。
type UUID struct{}

// New 返回默认生成器。
func New() UUID { return UUID{} }

func (UUID) ThreadID() string  { return ThreadPrefix + uuid.NewString() }
func (UUID) RunID() string     { return RunPrefix + uuid.NewString() }
func (UUID) MessageID() string { return MessagePrefix + uuid.NewString() }

// Sequence 确定性生成器 (回放 / 测试): thread_1, run_1, msg_1 ...
// 非并发安全。
type Sequence struct {
	threads, runs, messages int
}

func (s *Sequence) ThreadID() string {
	s.threads++
	return ThreadPrefix + strconv.Itoa(s.threads)
}

func (s *Sequence) RunID() string {
	s.runs++
	return RunPrefix + strconv.Itoa(s.runs)
}

func (s *Sequence) MessageID() string {
	s.messages++
	return MessagePrefix + strconv.Itoa(s.messages)
}
