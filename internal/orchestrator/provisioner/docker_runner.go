// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/noldarim/shipyard/internal/config"
)

// DockerRunner runs each command in a fresh tool container with the
// workspace root bind-mounted.
type DockerRunner struct {
	docker        *client.Client
	cfg           config.DockerRunnerConfig
	binary        string
	workspaceRoot string
	env           map[string]string
	maxOutput     int
}

// NewDockerRunner connects to the configured daemon. An empty host uses the
// DOCKER_* environment.
func NewDockerRunner(pcfg config.ProvisionerConfig) (*DockerRunner, error) {
	var opts []client.Opt
	if pcfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(pcfg.Docker.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	opts = append(opts, client.WithAPIVersionNegotiation())

	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	root, err := filepath.Abs(pcfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	mount := pcfg.Docker.MountPath
	if mount == "" {
		mount = "/workspace"
	}
	cfg := pcfg.Docker
	cfg.MountPath = mount

	return &DockerRunner{
		docker:        docker,
		cfg:           cfg,
		binary:        pcfg.Binary,
		workspaceRoot: root,
		env:           pcfg.Environment,
		maxOutput:     pcfg.MaxOutputBytes,
	}, nil
}

// containerDir maps a host directory under the workspace root to its path
// inside the container.
func (r *DockerRunner) containerDir(hostDir string) (string, error) {
	abs, err := filepath.Abs(hostDir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.workspaceRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace root %s", hostDir, r.workspaceRoot)
	}
	return path.Join(r.cfg.MountPath, filepath.ToSlash(rel)), nil
}

func (r *DockerRunner) Run(ctx context.Context, c Command) (*Result, error) {
	workDir, err := r.containerDir(c.Dir)
	if err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image:      r.cfg.Image,
		Entrypoint: []string{r.binary},
		Cmd:        c.Args,
		WorkingDir: workDir,
		Env:        append(mergeEnv(r.env, c.Env), "TF_IN_AUTOMATION=1", "TF_INPUT=0"),
		Labels:     map[string]string{"shipyard.managed": "true"},
	}
	hostConfig := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s", r.workspaceRoot, r.cfg.MountPath)},
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
	}

	start := time.Now()
	resp, err := r.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// The run context may already be cancelled.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.docker.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			getLog().Warn().Err(err).Str("container_id", resp.ID).Msg("Failed to remove tool container")
		}
	}()

	getLog().Debug().
		Str("container_id", resp.ID).
		Str("image", r.cfg.Image).
		Str("command", c.String()).
		Msg("Running tool command in container")

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	logs, err := r.docker.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	return &Result{
		ExitCode:  int(exitCode),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// Close releases the docker client.
func (r *DockerRunner) Close() error {
	return r.docker.Close()
}
