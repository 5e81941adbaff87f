// Package local implements the compute runtimes backed by the host itself:
// containers are supervised OS processes and serverless functions are
// in-process handlers. Both serve as the reference semantics for remote
// backends.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightning-runtime/lightning/runtime/compute"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

const containerRuntimeName = "container-local"

type (
	// ContainerRuntime supervises local OS processes as containers. The
	// spec's Image field is the executable path and Command its argument
	// vector.
	ContainerRuntime struct {
		logger telemetry.Logger

		mu         sync.Mutex
		containers map[string]*localContainer
	}

	localContainer struct {
		info          compute.ContainerInfo
		cmd           *exec.Cmd
		stopRequested bool
		done          chan struct{}
	}
)

// NewContainerRuntime returns an empty local container runtime.
func NewContainerRuntime(logger telemetry.Logger) *ContainerRuntime {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ContainerRuntime{
		logger:     logger,
		containers: make(map[string]*localContainer),
	}
}

// Name implements health.Pinger.
func (r *ContainerRuntime) Name() string { return containerRuntimeName }

// Ping implements health.Pinger. Process spawning needs no remote probe.
func (r *ContainerRuntime) Ping(ctx context.Context) error { return nil }

// StartContainer launches the process described by the spec.
func (r *ContainerRuntime) StartContainer(ctx context.Context, spec compute.ContainerSpec) (compute.ContainerInfo, error) {
	if spec.Image == "" {
		return compute.ContainerInfo{}, fmt.Errorf("container image is required")
	}
	name := spec.Name
	id := "ctr-" + uuid.NewString()
	if name == "" {
		name = id
	}

	cmd := exec.Command(spec.Image, spec.Command...)
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if err := cmd.Start(); err != nil {
		return compute.ContainerInfo{}, fmt.Errorf("start container %s: %w", name, err)
	}

	c := &localContainer{
		info: compute.ContainerInfo{
			ID:        id,
			Name:      name,
			Image:     spec.Image,
			State:     compute.StateRunning,
			StartedAt: time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.containers[id] = c
	r.mu.Unlock()
	go r.wait(c)

	r.logger.Debug(ctx, "container started", "container", id, "image", spec.Image, "pid", cmd.Process.Pid)
	return c.info, nil
}

// wait blocks until the process exits and records the outcome.
func (r *ContainerRuntime) wait(c *localContainer) {
	err := c.cmd.Wait()
	finished := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(c.done)
	c.info.FinishedAt = &finished
	c.info.ExitCode = c.cmd.ProcessState.ExitCode()
	switch {
	case err == nil, c.stopRequested:
		c.info.State = compute.StateExited
	default:
		c.info.State = compute.StateFailed
	}
}

// StopContainer kills the process and awaits its exit. Stopping a finished
// container is a no-op.
func (r *ContainerRuntime) StopContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop container %s: %w", id, compute.ErrContainerNotFound)
	}
	if c.info.State != compute.StateRunning {
		r.mu.Unlock()
		return nil
	}
	c.stopRequested = true
	proc := c.cmd.Process
	r.mu.Unlock()

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ContainerStatus returns the container's current info.
func (r *ContainerRuntime) ContainerStatus(ctx context.Context, id string) (compute.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return compute.ContainerInfo{}, fmt.Errorf("container %s: %w", id, compute.ErrContainerNotFound)
	}
	return c.info, nil
}

// ListContainers returns every known container ordered by start time.
func (r *ContainerRuntime) ListContainers(ctx context.Context) ([]compute.ContainerInfo, error) {
	r.mu.Lock()
	out := make([]compute.ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close stops every running container and forgets all of them.
func (r *ContainerRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	var running []*localContainer
	for _, c := range r.containers {
		if c.info.State == compute.StateRunning {
			c.stopRequested = true
			running = append(running, c)
		}
	}
	r.containers = make(map[string]*localContainer)
	r.mu.Unlock()

	for _, c := range running {
		_ = c.cmd.Process.Kill()
	}
	for _, c := range running {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
