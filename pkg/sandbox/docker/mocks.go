// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	args := m.Called(ctx, containerID, timeout)
	return args.Error(0)
}

func (m *MockClient) KillContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	args := m.Called(ctx, containerID, force)
	return args.Error(0)
}

func (m *MockClient) WriteFile(ctx context.Context, containerID, content, dstPath string) error {
	args := m.Called(ctx, containerID, content, dstPath)
	return args.Error(0)
}

func (m *MockClient) Exec(ctx context.Context, containerID string, cmd []string, workDir string) (*ExecOutput, error) {
	args := m.Called(ctx, containerID, cmd, workDir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ExecOutput), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
