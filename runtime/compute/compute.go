// Package compute defines the container and serverless runtime contracts.
// The core references these capabilities only through the factory, the
// health monitor and the runtime assembly; orchestration of workloads on top
// of them lives with the caller.
package compute

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/health"
)

var (
	// ErrContainerNotFound reports an unknown container id.
	ErrContainerNotFound = errors.New("container not found")

	// ErrFunctionNotFound reports an unknown function name.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrFunctionExists reports a duplicate function registration.
	ErrFunctionExists = errors.New("function already registered")
)

// ContainerState describes a container lifecycle phase.
type ContainerState string

const (
	// StatePending means the container was accepted but not started yet.
	StatePending ContainerState = "pending"
	// StateRunning means the container process is alive.
	StateRunning ContainerState = "running"
	// StateExited means the container finished on its own.
	StateExited ContainerState = "exited"
	// StateFailed means the container finished with a failure.
	StateFailed ContainerState = "failed"
)

type (
	// ContainerSpec describes a container to start.
	ContainerSpec struct {
		// Name labels the container; ids are assigned by the runtime.
		Name string `json:"name"`
		// Image names the workload. The local runtime treats it as an
		// executable path.
		Image string `json:"image"`
		// Command is passed to the workload as its argument vector.
		Command []string `json:"command,omitempty"`
		// Env supplies additional environment variables.
		Env map[string]string `json:"env,omitempty"`
		// Labels carry opaque caller metadata.
		Labels map[string]string `json:"labels,omitempty"`
	}

	// ContainerInfo reports a container's identity and state.
	ContainerInfo struct {
		ID         string         `json:"id"`
		Name       string         `json:"name"`
		Image      string         `json:"image"`
		State      ContainerState `json:"state"`
		StartedAt  time.Time      `json:"started_at"`
		FinishedAt *time.Time     `json:"finished_at,omitempty"`
		ExitCode   int            `json:"exit_code"`
	}

	// ContainerRuntime starts and supervises containers.
	ContainerRuntime interface {
		health.Pinger

		// StartContainer launches the workload and returns its info.
		StartContainer(ctx context.Context, spec ContainerSpec) (ContainerInfo, error)

		// StopContainer terminates the container. Unknown ids fail with
		// ErrContainerNotFound; stopping a finished container is a
		// no-op.
		StopContainer(ctx context.Context, id string) error

		// ContainerStatus returns the current info for the container.
		ContainerStatus(ctx context.Context, id string) (ContainerInfo, error)

		// ListContainers returns every known container.
		ListContainers(ctx context.Context) ([]ContainerInfo, error)

		// Close stops all containers and releases resources.
		Close(ctx context.Context) error
	}

	// Handler is the in-process function body used by local serverless
	// runtimes.
	Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

	// FunctionDefinition describes a serverless function.
	FunctionDefinition struct {
		// Name identifies the function for invocation.
		Name string
		// Handler is the function body. Remote runtimes ignore it and
		// resolve the name instead.
		Handler Handler
		// Timeout bounds one invocation; zero means the runtime
		// default.
		Timeout time.Duration
	}

	// ServerlessRuntime registers and invokes functions.
	ServerlessRuntime interface {
		health.Pinger

		// RegisterFunction adds a function. Duplicate names fail with
		// ErrFunctionExists.
		RegisterFunction(ctx context.Context, def FunctionDefinition) error

		// InvokeFunction runs the named function with the payload.
		InvokeFunction(ctx context.Context, name string, payload map[string]any) (map[string]any, error)

		// DeleteFunction removes the function. Unknown names fail with
		// ErrFunctionNotFound.
		DeleteFunction(ctx context.Context, name string) error

		// ListFunctions returns the registered function names.
		ListFunctions(ctx context.Context) ([]string, error)

		// Close releases runtime resources.
		Close(ctx context.Context) error
	}
)
