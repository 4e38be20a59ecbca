package mocks

import (
	"context"

	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/stretchr/testify/mock"
)

// MockCycleStore is a mock implementation of the cycle history store
type MockCycleStore struct {
	mock.Mock
}

// RecentCycles mocks the cycle history query
func (m *MockCycleStore) RecentCycles(ctx context.Context, limit int) ([]scheduler.CycleState, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]scheduler.CycleState), args.Error(1)
}

// HealthCheck mocks the database ping
func (m *MockCycleStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockPool is a mock implementation of the proxy pool inspector
type MockPool struct {
	mock.Mock
}

// Snapshot mocks the per-entry pool listing
func (m *MockPool) Snapshot() []proxy.EntrySnapshot {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]proxy.EntrySnapshot)
}

// Counts mocks the per-status totals
func (m *MockPool) Counts() proxy.Counts {
	args := m.Called()
	return args.Get(0).(proxy.Counts)
}
