// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package docker runs sandboxed step code in throwaway containers: one
// container per execution, workspace files injected over the API, no
// network, hard resource caps.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec is what a sandbox execution needs from a container: an
// image, a workspace, resource caps and (usually) no network.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	WorkingDir  string
	Command     []string
	Labels      map[string]string
	MemoryMB    int64
	CPUShares   int64
	PidsLimit   int64
	NetworkMode string
}

// ExecOutput is the captured outcome of one exec inside a container,
// with stdout and stderr demultiplexed.
type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ClientInterface is the slice of the Docker API the sandbox uses.
type ClientInterface interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	WriteFile(ctx context.Context, containerID, content, dstPath string) error
	Exec(ctx context.Context, containerID string, cmd []string, workDir string) (*ExecOutput, error)
	Close() error
}

// Client implements ClientInterface against a real Docker daemon.
type Client struct {
	docker *client.Client
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a Docker client from the environment.
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a Docker client against a specific host; an
// empty host falls back to the environment (FromEnv).
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{docker: dockerClient}, nil
}

// CreateContainer creates a container per spec and returns its id. The
// working directory is created by the daemon, so the caller can write
// workspace files into it right after.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:      spec.Image,
		Env:        envMapToSlice(spec.Env),
		WorkingDir: spec.WorkingDir,
		Cmd:        spec.Command,
		Labels:     spec.Labels,
	}

	resources := container.Resources{
		Memory:    spec.MemoryMB * 1024 * 1024,
		CPUShares: spec.CPUShares,
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		resources.PidsLimit = &pids
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources:   resources,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

// StopContainer stops a running container within the given grace
// period.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	return c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds})
}

// KillContainer sends SIGKILL. A missing container is not an error so
// that timeout cleanup stays idempotent.
func (c *Client) KillContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// WriteFile writes string content to a file inside the container by
// streaming a single-entry tar archive to the destination directory.
func (c *Client) WriteFile(ctx context.Context, containerID, content, dstPath string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: filepath.Base(dstPath),
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write content to tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	destDir := filepath.Dir(dstPath)
	if err := c.docker.CopyToContainer(ctx, containerID, destDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy content to container: %w", err)
	}
	return nil
}

// Exec runs a command in a running container and captures its output.
// Cancelling ctx abandons the read and returns ctx.Err(); the container
// itself keeps running until the caller kills it.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, workDir string) (*ExecOutput, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec instance: %w", err)
	}

	hijacked, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec instance: %w", err)
	}
	defer hijacked.Close()

	var stdout, stderr bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		// Docker multiplexes both streams over one connection; the
		// sentinel protocol needs them separated.
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader)
		outputDone <- copyErr
	}()

	select {
	case err := <-outputDone:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		hijacked.Close()
		return nil, ctx.Err()
	}

	inspectResp, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec instance: %w", err)
	}

	return &ExecOutput{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Close closes the Docker client connection.
func (c *Client) Close() error {
	return c.docker.Close()
}

func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}
