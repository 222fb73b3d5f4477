package lifecycle

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nonos/noxterm/internal/docker"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) StopAndRemove(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	args := m.Called(ctx, containerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRuntime) StatsSample(ctx context.Context, containerID string) (*docker.Stats, error) {
	args := m.Called(ctx, containerID)
	if stats := args.Get(0); stats != nil {
		return stats.(*docker.Stats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) ListSessionContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]docker.ContainerInfo), args.Error(1)
	}
	return nil, args.Error(1)
}
