package speech

import (
	"context"
	"sync"
	"time"
)

// MockEngine pretends every utterance takes a fixed delay and records what it
// was asked to speak.
type MockEngine struct {
	delay time.Duration

	mu       sync.Mutex
	requests []Request
	active   chan struct{}
}

func NewMockEngine(delay time.Duration) *MockEngine {
	return &MockEngine{delay: delay}
}

func (m *MockEngine) Speak(ctx context.Context, req Request) (Event, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return Event{}, ErrBusy
	}
	stop := make(chan struct{})
	m.active = stop
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.active == stop {
			m.active = nil
		}
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Event{RequestID: req.RequestID, Type: EventEnd}, nil
	case <-stop:
		return Event{RequestID: req.RequestID, Type: EventCancelled}, nil
	case <-ctx.Done():
		return Event{RequestID: req.RequestID, Type: EventInterrupted}, nil
	}
}

func (m *MockEngine) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		close(m.active)
		m.active = nil
	}
	return nil
}

// Requests returns a copy of every request received so far.
func (m *MockEngine) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// ShimEngine ends every utterance immediately. It stands in for the platform
// engine under browser automation, where only the call sequence matters.
type ShimEngine struct {
	mu    sync.Mutex
	calls []Request
}

func NewShimEngine() *ShimEngine { return &ShimEngine{} }

func (s *ShimEngine) Speak(_ context.Context, req Request) (Event, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return Event{RequestID: req.RequestID, Type: EventEnd}, nil
}

func (s *ShimEngine) Stop(context.Context) error { return nil }

func (s *ShimEngine) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
