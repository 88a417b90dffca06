package relay

import (
	"context"
	"path"
	"sync"
	"sync/atomic"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
)

// Memory is an in-process relay. Fan-out is at-most-once: a subscriber
// whose buffer is full misses the message.
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memSub
	nextID uint64
	closed bool
	buffer int

	dropped atomic.Int64
}

type memSub struct {
	patterns []string
	ch       chan port.Message
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memSub), buffer: defaultBuffer}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}

	msg := port.Message{Topic: topic, Payload: payload}
	for _, s := range m.subs {
		if !s.matches(topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, patterns ...string) (<-chan port.Message, error) {
	if len(patterns) == 0 {
		return nil, errNoPatterns
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	id := m.nextID
	m.nextID++
	s := &memSub{patterns: append([]string(nil), patterns...), ch: make(chan port.Message, m.buffer)}
	m.subs[id] = s
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.remove(id)
	}()
	return s.ch, nil
}

func (m *Memory) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(s.ch)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		delete(m.subs, id)
		close(s.ch)
	}
	return nil
}

// Dropped counts messages lost to full subscriber buffers.
func (m *Memory) Dropped() int64 { return m.dropped.Load() }

func (s *memSub) matches(topic string) bool {
	for _, p := range s.patterns {
		if ok, err := path.Match(p, topic); err == nil && ok {
			return true
		}
	}
	return false
}

var _ port.Relay = (*Memory)(nil)
