// Package session 调试会话注册表
// 每个调试连接在打开时注册、关闭时注销，流水线按 sessionId 推送日志
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionExists 会话 ID 已有活跃连接
var ErrSessionExists = errors.New("debug session already open")

const defaultBuffer = 64

// Entry 一条调试日志
type Entry struct {
	Step      string      `json:"step"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stream 活跃的调试流
type Stream struct {
	ID        string
	CreatedAt time.Time
	events    chan Entry
}

// Events 日志通道，会话注销后关闭
func (s *Stream) Events() <-chan Entry {
	return s.events
}

// Registry 调试会话注册表，由服务进程持有
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	buffer  int
}

// NewRegistry 创建注册表，buffer 为每个会话的日志缓冲
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Registry{
		streams: make(map[string]*Stream),
		buffer:  buffer,
	}
}

// Open 注册会话
func (r *Registry) Open(id string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return nil, ErrSessionExists
	}
	s := &Stream{
		ID:        id,
		CreatedAt: time.Now(),
		events:    make(chan Entry, r.buffer),
	}
	r.streams[id] = s
	return s, nil
}

// Close 注销会话并关闭其日志通道
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[id]; ok {
		delete(r.streams, id)
		close(s.events)
	}
}

// Publish 推送日志，不阻塞
// 会话不存在或缓冲已满时丢弃并返回 false
func (r *Registry) Publish(id string, e Entry) bool {
	if id == "" {
		return false
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// 持有读锁发送，Close 持有写锁关闭通道，两者不会交错
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return false
	}
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}

// Has 会话是否活跃
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[id]
	return ok
}

// Len 活跃会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
