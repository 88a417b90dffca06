package broadcast

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Registry tracks live connections and the topic<->connection index.
// Connection counts are modest, so every mutation runs under one mutex.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*connection
	topics map[string]map[string]*connection

	now   func() time.Time
	newID func() string
}

// Stats is the observability snapshot of the registry.
type Stats struct {
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		topics: make(map[string]map[string]*connection),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Register adds an ACTIVE connection and returns its id. The registry owns
// the transport from here on.
func (r *Registry) Register(t Transport) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := &connection{
		id:          r.newID(),
		transport:   t,
		topics:      make(map[string]struct{}),
		lastPong:    now,
		connectedAt: now,
		state:       StateConnecting,
	}
	c.advance(StateActive)
	r.conns[c.id] = c

	log.Debug().Str("component", "registry").Str("conn", c.id).Int("total", len(r.conns)).Msg("connection registered")
	return c.id
}

// Subscribe adds topic to the connection. A repeated subscribe returns an
// error wrapping domain.ErrSubscriptionConflict and changes nothing.
func (r *Registry) Subscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	if _, ok := c.topics[topic]; ok {
		return fmt.Errorf("%s %q: %w", id, topic, domain.ErrSubscriptionConflict)
	}

	c.topics[topic] = struct{}{}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]*connection)
		r.topics[topic] = subs
	}
	subs[id] = c
	return nil
}

// Unsubscribe removes topic from the connection and drops the topic entry
// when its last subscriber leaves. It reports whether anything changed.
func (r *Registry) Unsubscribe(id, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.activeLocked(id)
	if err != nil {
		return false, err
	}
	if _, ok := c.topics[topic]; !ok {
		return false, nil
	}
	delete(c.topics, topic)
	r.unindexLocked(id, topic)
	return true, nil
}

// Deregister removes the connection from every index. It does not close
// the transport; use Evict for that. Safe to call more than once.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	_, ok := r.removeLocked(id)
	r.mu.Unlock()

	if ok {
		log.Debug().Str("component", "registry").Str("conn", id).Msg("connection deregistered")
	}
	return ok
}

// Evict deregisters the connection and force-closes its transport.
func (r *Registry) Evict(id string, code int, reason string) bool {
	r.mu.Lock()
	c, ok := r.removeLocked(id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := c.transport.Close(code, reason); err != nil {
		log.Debug().Str("component", "registry").Str("conn", id).Err(err).Msg("close after evict")
	}
	log.Info().Str("component", "registry").Str("conn", id).Int("code", code).Str("reason", reason).Msg("connection evicted")
	return true
}

// RecordPong stamps the connection's last pong with the current time.
func (r *Registry) RecordPong(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	c.lastPong = r.now()
	return nil
}

// Subscribers returns the fan-out targets of topic.
func (r *Registry) Subscribers(topic string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[topic]
	out := make([]Target, 0, len(subs))
	for id, c := range subs {
		out = append(out, Target{ID: id, Transport: c.transport})
	}
	return out
}

// All returns every active connection.
func (r *Registry) All() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Target, 0, len(r.conns))
	for id, c := range r.conns {
		if c.state == StateActive {
			out = append(out, Target{ID: id, Transport: c.transport})
		}
	}
	return out
}

// Stale returns ids of active connections whose last pong is older than cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, c := range r.conns {
		if c.state == StateActive && c.lastPong.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the connection's bookkeeping.
func (r *Registry) Get(id string) (ConnInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return ConnInfo{
		ID:          c.id,
		State:       c.state,
		Topics:      topics,
		LastPong:    c.lastPong,
		ConnectedAt: c.connectedAt,
	}, true
}

func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make(map[string]int, len(r.topics))
	for t, subs := range r.topics {
		topics[t] = len(subs)
	}
	return Stats{Connections: len(r.conns), Topics: topics}
}

func (r *Registry) activeLocked(id string) (*connection, error) {
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}
	if c.state != StateActive {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionClosing)
	}
	return c, nil
}

func (r *Registry) removeLocked(id string) (*connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	c.advance(StateClosing)
	for topic := range c.topics {
		r.unindexLocked(id, topic)
	}
	c.topics = make(map[string]struct{})
	delete(r.conns, id)
	c.advance(StateClosed)
	return c, true
}

func (r *Registry) unindexLocked(id, topic string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}
