// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/stretchr/testify/mock"
)

// -- Session Mock --

// MockSession implements schemas.Session for testing. Values written via
// SetValue are remembered so verification re-reads behave like a real page
// unless a test overrides ReadValue explicitly.
type MockSession struct {
	mock.Mock
	mu     sync.Mutex
	values map[string]string
}

func NewMockSession() *MockSession {
	return &MockSession{values: make(map[string]string)}
}

func key(frame schemas.FrameRef, selector string) string {
	return frame.Selector + "|" + selector
}

func (m *MockSession) ID() string { return m.Called().String(0) }

func (m *MockSession) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}
func (m *MockSession) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}
func (m *MockSession) Type(ctx context.Context, selector string, text string) error {
	return m.Called(ctx, selector, text).Error(0)
}
func (m *MockSession) SelectOption(ctx context.Context, selector string, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}
func (m *MockSession) Upload(ctx context.Context, selector string, path string) error {
	return m.Called(ctx, selector, path).Error(0)
}
func (m *MockSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return m.Called(ctx, selector, timeout).Error(0)
}
func (m *MockSession) Exists(ctx context.Context, frame schemas.FrameRef, selector string) (bool, error) {
	args := m.Called(ctx, frame, selector)
	return args.Bool(0), args.Error(1)
}

// SetValue records the write so a later ReadValue can observe it.
func (m *MockSession) SetValue(ctx context.Context, frame schemas.FrameRef, selector string, value string) error {
	args := m.Called(ctx, frame, selector, value)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.values[key(frame, selector)] = value
		m.mu.Unlock()
	}
	return args.Error(0)
}

// ReadValue returns a test-configured value when one is set up, otherwise
// whatever a prior SetValue stored.
func (m *MockSession) ReadValue(ctx context.Context, frame schemas.FrameRef, selector string) (string, error) {
	args := m.Called(ctx, frame, selector)
	if args.String(0) == "" && args.Error(1) == nil {
		m.mu.Lock()
		v := m.values[key(frame, selector)]
		m.mu.Unlock()
		return v, nil
	}
	return args.String(0), args.Error(1)
}

func (m *MockSession) Attribute(ctx context.Context, frame schemas.FrameRef, selector string, name string) (string, bool, error) {
	args := m.Called(ctx, frame, selector, name)
	return args.String(0), args.Bool(1), args.Error(2)
}
func (m *MockSession) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockSession) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockSession) Close(ctx context.Context) error { return m.Called(ctx).Error(0) }

// -- Session Provider Mock --

type MockSessionProvider struct {
	mock.Mock
}

func (m *MockSessionProvider) Acquire(ctx context.Context, opts schemas.SessionOptions) (schemas.Session, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(schemas.Session), args.Error(1)
}
func (m *MockSessionProvider) Release(ctx context.Context, session schemas.Session) error {
	return m.Called(ctx, session).Error(0)
}
func (m *MockSessionProvider) Stats() schemas.ProviderStats {
	args := m.Called()
	return args.Get(0).(schemas.ProviderStats)
}
func (m *MockSessionProvider) Shutdown(ctx context.Context) error { return m.Called(ctx).Error(0) }

// -- Form Filler Mock --

type MockFormFiller struct {
	mock.Mock
}

func (m *MockFormFiller) Fill(ctx context.Context, session schemas.Session, profile schemas.Profile) (schemas.FillReport, error) {
	args := m.Called(ctx, session, profile)
	return args.Get(0).(schemas.FillReport), args.Error(1)
}
func (m *MockFormFiller) Submit(ctx context.Context, session schemas.Session) (schemas.SubmitResult, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(schemas.SubmitResult), args.Error(1)
}

// -- Solver Client Mock --

type MockSolverClient struct {
	mock.Mock
}

func (m *MockSolverClient) CreateTask(ctx context.Context, spec schemas.ChallengeSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}
func (m *MockSolverClient) TaskResult(ctx context.Context, taskID string) (string, bool, error) {
	args := m.Called(ctx, taskID)
	return args.String(0), args.Bool(1), args.Error(2)
}
