package gps

import (
	"context"
	"sync"
)

type mockSubscriber struct {
	ctx   context.Context
	fixes chan Fix
	errs  chan error
}

// MockSource is a scripted Source for tests. CurrentFix answers with the
// configured fix or error; Emit pushes fixes to every open subscription.
type MockSource struct {
	mu          sync.Mutex
	fix         Fix
	fixErr      error
	block       bool
	updatesErr  error
	subscribers map[*mockSubscriber]struct{}
	closed      bool
}

// NewMockSource creates a mock that answers CurrentFix with fix
func NewMockSource(fix Fix) *MockSource {
	return &MockSource{fix: fix, subscribers: make(map[*mockSubscriber]struct{})}
}

// SetFix sets the CurrentFix answer
func (m *MockSource) SetFix(fix Fix, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fix, m.fixErr = fix, err
}

// SetBlocking makes CurrentFix wait for its context instead of answering
func (m *MockSource) SetBlocking(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

// SetUpdatesError makes Updates fail
func (m *MockSource) SetUpdatesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatesErr = err
}

// CurrentFix implements Source
func (m *MockSource) CurrentFix(ctx context.Context) (Fix, error) {
	m.mu.Lock()
	fix, err, block := m.fix, m.fixErr, m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return Fix{}, ctx.Err()
	}
	return fix, err
}

// Updates implements Source
func (m *MockSource) Updates(ctx context.Context) (<-chan Fix, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updatesErr != nil {
		return nil, nil, m.updatesErr
	}
	if m.closed {
		return nil, nil, ErrSourceClosed
	}
	sub := &mockSubscriber{ctx: ctx, fixes: make(chan Fix), errs: make(chan error)}
	m.subscribers[sub] = struct{}{}
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
	}()
	return sub.fixes, sub.errs, nil
}

// Emit delivers fix to every live subscription and returns once each has
// taken it
func (m *MockSource) Emit(fix Fix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		select {
		case sub.fixes <- fix:
		case <-sub.ctx.Done():
		}
	}
}

// EmitError delivers err to every live subscription
func (m *MockSource) EmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		select {
		case sub.errs <- err:
		case <-sub.ctx.Done():
		}
	}
}

// Close ends every subscription
func (m *MockSource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for sub := range m.subscribers {
		close(sub.fixes)
		delete(m.subscribers, sub)
	}
}

// Subscribers returns the number of live subscriptions
func (m *MockSource) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}
