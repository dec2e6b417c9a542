package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexiqai/speech-worker/internal/config"
)

// Mock is a deterministic in-process engine. Each step that receives
// samples commits one token naming the step; InferFunc overrides that.
type Mock struct {
	// InferFunc replaces the default behavior when set.
	InferFunc func(ctx context.Context, req *Request) (*Output, error)
	// State is returned by AdaptationState. Nil disables adaptation.
	State []byte
	// InitErr is returned by Init when set.
	InitErr error

	mu      sync.Mutex
	steps   int
	samples int
	resets  int
	closed  bool
	model   *config.ModelConfig
}

// NewMock returns a mock engine with a fixed adaptation state.
func NewMock() *Mock {
	return &Mock{State: []byte("mock-adaptation-state")}
}

func (m *Mock) Init(ctx context.Context, cfg config.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InitErr != nil {
		return m.InitErr
	}
	m.model = &cfg
	return nil
}

func (m *Mock) Infer(ctx context.Context, req *Request) (*Output, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(string(KindService), "engine closed")
	}
	m.steps++
	m.samples += len(req.Samples)
	step := m.steps
	fn := m.InferFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Output{Tokens: []string{fmt.Sprintf(" chunk%d", step)}}
	if req.Final {
		out.Scores = map[string]float64{"weighted_score": 1.0}
	}
	return out, nil
}

func (m *Mock) ResetState(ctx context.Context, complete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	if complete {
		m.steps = 0
		m.samples = 0
	}
	return nil
}

func (m *Mock) AdaptationState(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State, nil
}

func (m *Mock) Check(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Model returns the configuration passed to Init, or nil before Init.
func (m *Mock) Model() *config.ModelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Steps returns the number of Infer calls since the last complete reset.
func (m *Mock) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// Samples returns the number of samples received since the last complete reset.
func (m *Mock) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// Resets returns the number of ResetState calls.
func (m *Mock) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}
