//go:build !production

package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/palemoky/discord-relay/internal/chat"
)

// MockPoster 实现 chat.Poster 的 mock
type MockPoster struct {
	mock.Mock
}

var _ chat.Poster = (*MockPoster)(nil)

func (m *MockPoster) Post(ctx context.Context, channelID uint64, content string) error {
	args := m.Called(ctx, channelID, content)
	return args.Error(0)
}
