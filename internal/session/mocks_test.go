package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nonos/noxterm/internal/docker"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) EnsureImage(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockRuntime) CreateAndStart(ctx context.Context, opts docker.CreateOpts) (string, string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockRuntime) WaitReady(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) StopAndRemove(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	args := m.Called(ctx, containerID)
	return args.Bool(0), args.Error(1)
}

type fakeEgress struct {
	enabled bool
	addr    string
}

func (f *fakeEgress) Enabled() bool              { return f.enabled }
func (f *fakeEgress) ContainerProxyAddr() string { return f.addr }
