package agent

import (
	"sync"
	"time"
)

// DeltaType 表示执行过程中产生的增量更新类别。
type DeltaType string

// 支持的增量更新类型
const (
	DeltaPlan       DeltaType = "plan"
	DeltaToolCall   DeltaType = "tool_call"
	DeltaToolResult DeltaType = "tool_result"
	DeltaFinal      DeltaType = "final"
	DeltaError      DeltaType = "error"
)

// Delta 是一条实时推送给调用方的执行进度。
type Delta struct {
	Type      DeltaType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeltaFunc 在每条增量产生时被调用，可以为 nil。
type DeltaFunc func(Delta)

// Stream 使用 channel 缓冲增量更新，供 SSE 等异步消费方使用。
// 缓冲满时丢弃最新的增量，保证执行循环不被慢消费方阻塞。
type Stream struct {
	ch     chan Delta
	mu     sync.Mutex
	closed bool
}

// NewStream 创建增量流。
func NewStream(size int) *Stream {
	if size <= 0 {
		size = 64
	}
	return &Stream{ch: make(chan Delta, size)}
}

// Push 写入一条增量，流已关闭或缓冲已满时静默丢弃。
func (s *Stream) Push(delta Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- delta:
	default:
	}
}

// Deltas 返回消费端 channel，流关闭后 channel 随之关闭。
func (s *Stream) Deltas() <-chan Delta {
	return s.ch
}

// Close 关闭增量流。
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
}
