//go:build !production

package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockMirror 实现 relay.EventMirror 的 mock
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) PublishEvent(ctx context.Context, data []byte) error {
	args := m.Called(ctx, data)
	return args.Error(0)
}

func (m *MockMirror) IncrCounters(ctx context.Context, delta map[string]int64) error {
	args := m.Called(ctx, delta)
	return args.Error(0)
}
