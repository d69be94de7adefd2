// Package topics fans messages out to the connections subscribed to a topic.
//
// Membership is indexed both ways, topic -> subscribers and subscriber ->
// topics, and both sides are always updated by the same call.
package topics

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate/internal/logging"
)

var (
	ErrInvalidSubscriber = errors.New("subscriber has no id")
	ErrEmptyTopic        = errors.New("topic is empty")
)

// Subscriber is anything addressable by id that accepts encoded frames.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, data []byte) error
}

// Manager is a platform-independent topic index. It is safe for concurrent use.
type Manager struct {
	logger *logging.ColoredLogger

	mu      sync.RWMutex
	topics  map[string]map[string]Subscriber // topic -> id -> subscriber
	members map[string]map[string]struct{}   // id -> topics
}

// New creates an empty manager.
func New(logger *logging.ColoredLogger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		logger:  logger,
		topics:  make(map[string]map[string]Subscriber),
		members: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds sub to topic. Subscribing twice is a no-op.
func (m *Manager) Subscribe(sub Subscriber, topic string) error {
	if sub == nil || sub.ID() == "" {
		return ErrInvalidSubscriber
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	id := sub.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		m.topics[topic] = subs
	}
	subs[id] = sub

	joined, ok := m.members[id]
	if !ok {
		joined = make(map[string]struct{})
		m.members[id] = joined
	}
	joined[topic] = struct{}{}
	return nil
}

// Unsubscribe removes the subscriber id from topic. It is a no-op when id is
// not subscribed.
func (m *Manager) Unsubscribe(id, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.members[id]
	if !ok {
		return
	}
	if _, ok := joined[topic]; !ok {
		return
	}
	m.removeLocked(id, topic)
	delete(joined, topic)
	if len(joined) == 0 {
		delete(m.members, id)
	}
}

// UnsubscribeAll removes id from every topic it joined.
func (m *Manager) UnsubscribeAll(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for topic := range m.members[id] {
		m.removeLocked(id, topic)
	}
	delete(m.members, id)
}

func (m *Manager) removeLocked(id, topic string) {
	subs := m.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}

// Publish sends frame to every subscriber of topic and returns how many
// accepted it. Failed sends are logged and never stop delivery to the rest.
func (m *Manager) Publish(ctx context.Context, topic string, frame []byte) int {
	m.mu.RLock()
	subs := make([]Subscriber, 0, len(m.topics[topic]))
	for _, sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if err := sub.Send(ctx, frame); err != nil {
			m.logger.ComponentWarn(logging.ComponentTopics, "publish to subscriber failed",
				zap.String("topic", topic),
				zap.String("conn_id", sub.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	m.logger.ComponentDebug(logging.ComponentTopics, "published",
		zap.String("topic", topic),
		zap.Int("subscribers", len(subs)),
		zap.Int("delivered", delivered))
	return delivered
}

// SubscriberCount returns the number of subscribers of topic.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Topics returns the sorted topics id is subscribed to.
func (m *Manager) Topics(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.members[id]))
	for topic := range m.members[id] {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
