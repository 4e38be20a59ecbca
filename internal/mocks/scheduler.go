package mocks

import (
	"context"

	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/stretchr/testify/mock"
)

// MockScheduler is a mock implementation of the scheduler control surface
type MockScheduler struct {
	mock.Mock
}

// Run mocks a scheduler run
func (m *MockScheduler) Run(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the stop signal
func (m *MockScheduler) Stop() {
	m.Called()
}

// Status mocks the status snapshot
func (m *MockScheduler) Status() scheduler.Status {
	args := m.Called()
	return args.Get(0).(scheduler.Status)
}
