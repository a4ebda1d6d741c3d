// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package dockerclient wraps the Docker Engine HTTP API client used
// by introspection (L6), log streaming (L11) and shell sessions
// (L12). It never shells out; compose lifecycle operations instead go
// through an external `docker compose` subprocess driven by the task
// manager (L2).
package dockerclient

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	apperrors "github.com/scottyapp/scotty/errors"
)

// Client wraps the subset of the Docker Engine API the control plane
// needs: inspect, list, logs and exec.
type Client struct {
	api client.APIClient
}

func New(api client.APIClient) *Client {
	return &Client{api: api}
}

// NewFromEnv builds a client from the standard DOCKER_HOST/TLS
// environment, matching the Docker CLI's own resolution rules.
func NewFromEnv() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Upstream("failed to create docker client", err)
	}
	return New(cli), nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	if err != nil {
		return apperrors.Upstream("docker daemon unreachable", err)
	}
	return nil
}

// ContainersForCompose returns every container (including stopped
// ones) whose com.docker.compose.project label identifies the given
// project directory name.
func (c *Client) ContainersForCompose(ctx context.Context, projectName string) ([]types.Container, error) {
	args := filters.NewArgs()
	args.Add("label", "com.docker.compose.project="+projectName)
	ctrs, err := c.api.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apperrors.Upstream("failed to list containers", err)
	}
	return ctrs, nil
}

// Inspect retries a handful of times with backoff since the engine
// occasionally answers with a transient 500 right after a container
// is created.
func (c *Client) Inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	var info types.ContainerJSON
	op := func() error {
		var err error
		info, err = c.api.ContainerInspect(ctx, id)
		return err
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3), ctx)
	if err := backoff.Retry(op, boff); err != nil {
		return types.ContainerJSON{}, apperrors.Upstream("failed to inspect container "+id, err)
	}
	return info, nil
}

// ServiceLabel returns the compose service name a container belongs
// to, as recorded by Compose's own labelling convention.
func ServiceLabel(info types.ContainerJSON) string {
	if info.Config == nil {
		return ""
	}
	return info.Config.Labels["com.docker.compose.service"]
}

// MatchRegistry returns the configured registry whose host prefix
// matches the container's first repo tag, if any.
func MatchRegistry(image string, registries []string) string {
	for _, r := range registries {
		if strings.HasPrefix(image, r+"/") {
			return r
		}
	}
	return ""
}

// TailLogs streams the multiplexed stdout/stderr of a container,
// demuxing into the two writers, until the context is cancelled or
// the stream ends.
func (c *Client) TailLogs(ctx context.Context, id string, follow bool, tail string, stdout, stderr io.Writer) error {
	opts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
		Timestamps: true,
	}
	rc, err := c.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return apperrors.Upstream("failed to open log stream for "+id, err)
	}
	defer rc.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	if err != nil && err != io.EOF {
		return apperrors.Upstream("log stream for "+id+" ended with error", err)
	}
	return nil
}

// ExecSession is a live Docker exec with an attached TTY.
type ExecSession struct {
	ID   string
	Conn types.HijackedResponse
}

// ExecWithTTY creates and starts an interactive exec session running
// shell inside the given container.
func (c *Client) ExecWithTTY(ctx context.Context, containerID, shell string) (*ExecSession, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	created, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          []string{shell},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, apperrors.Upstream("failed to create exec session", err)
	}

	conn, err := c.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, apperrors.Upstream("failed to attach exec session", err)
	}
	return &ExecSession{ID: created.ID, Conn: conn}, nil
}

// ExecNonInteractive runs a command to completion inside a container
// and returns its combined output, used by the custom-action executor
// to run `docker compose exec <svc> sh -c "<cmd>"` equivalents via the
// Engine API directly.
func (c *Client) ExecNonInteractive(ctx context.Context, containerID string, cmd []string, env []string) (string, int, error) {
	created, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, apperrors.Upstream("failed to create exec", err)
	}

	conn, err := c.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", -1, apperrors.Upstream("failed to attach exec", err)
	}
	defer conn.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, conn.Reader); err != nil && err != io.EOF {
		return "", -1, apperrors.Upstream("exec stream error", err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.String(), -1, apperrors.Upstream("failed to inspect exec result", err)
	}
	return out.String(), inspect.ExitCode, nil
}

func (c *Client) ResizeExecTTY(ctx context.Context, execID string, height, width uint) error {
	return c.api.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: height, Width: width})
}
