// Package controltest provides a testify mock of control.NodeControl
package controltest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"validator_fleet/pkg/control"
)

// MockNodeControl is a testify mock of the node-control port
type MockNodeControl struct {
	mock.Mock
}

var _ control.NodeControl = (*MockNodeControl)(nil)

func (m *MockNodeControl) Stop(ctx context.Context, nodeID string) (bool, error) {
	args := m.Called(ctx, nodeID)
	return args.Bool(0), args.Error(1)
}

func (m *MockNodeControl) Start(ctx context.Context, nodeID string) (bool, error) {
	args := m.Called(ctx, nodeID)
	return args.Bool(0), args.Error(1)
}

func (m *MockNodeControl) HealthCheck(ctx context.Context, nodeID string) (control.HealthStatus, error) {
	args := m.Called(ctx, nodeID)
	return args.Get(0).(control.HealthStatus), args.Error(1)
}
