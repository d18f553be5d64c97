package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Memory implements PubSub with in-process channels. Suitable for
// single-instance deployments and tests.
type Memory struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

// NewMemory creates an in-memory pub/sub channel.
func NewMemory(log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{log: log, subs: make(map[string]map[int]chan []byte)}
}

// Publish delivers payload to current subscribers of topic. Full subscriber
// channels drop the message rather than block the publisher.
func (m *Memory) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- data:
		default:
			m.log.Warn("dropping pubsub message, subscriber channel full", zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers a buffered channel for topic.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 100)

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]chan []byte)
	}
	id := m.nextID
	m.nextID++
	m.subs[topic][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.closed {
				return
			}
			if _, ok := m.subs[topic][id]; ok {
				delete(m.subs[topic], id)
				close(ch)
			}
		})
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return ch, cleanup
}

// Close closes every subscriber channel; later publishes are dropped and
// return nil.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.subs = nil
	return nil
}
