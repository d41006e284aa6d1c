package mocks

import (
	"context"
	"sync"

	"marketplace-fulfillment/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockNotifier is a testify mock of service.Notifier that also remembers
// every event it was handed
type MockNotifier struct {
	mock.Mock

	mu     sync.Mutex
	events []models.Event
}

func (m *MockNotifier) Publish(ctx context.Context, event models.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	args := m.Called(ctx, event)
	return args.Error(0)
}

// Names returns the types of the published events in order
func (m *MockNotifier) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Name()
	}
	return out
}

// Count returns how many events of the given type were published
func (m *MockNotifier) Count(name string) int {
	n := 0
	for _, got := range m.Names() {
		if got == name {
			n++
		}
	}
	return n
}
