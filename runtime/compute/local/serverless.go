package local

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightning-runtime/lightning/runtime/compute"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

const (
	serverlessRuntimeName = "serverless-local"

	// DefaultInvokeTimeout bounds an invocation when the function does
	// not declare its own.
	DefaultInvokeTimeout = 30 * time.Second
)

// ServerlessRuntime runs registered handlers in-process.
type ServerlessRuntime struct {
	logger telemetry.Logger

	mu        sync.RWMutex
	functions map[string]compute.FunctionDefinition
}

// NewServerlessRuntime returns an empty local serverless runtime.
func NewServerlessRuntime(logger telemetry.Logger) *ServerlessRuntime {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ServerlessRuntime{
		logger:    logger,
		functions: make(map[string]compute.FunctionDefinition),
	}
}

// Name implements health.Pinger.
func (r *ServerlessRuntime) Name() string { return serverlessRuntimeName }

// Ping implements health.Pinger.
func (r *ServerlessRuntime) Ping(ctx context.Context) error { return nil }

// RegisterFunction adds a function definition.
func (r *ServerlessRuntime) RegisterFunction(ctx context.Context, def compute.FunctionDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("function name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("function handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[def.Name]; ok {
		return fmt.Errorf("register function %s: %w", def.Name, compute.ErrFunctionExists)
	}
	r.functions[def.Name] = def
	return nil
}

// InvokeFunction runs the named handler under its timeout. Handler panics
// convert to errors; on timeout the handler is abandoned.
func (r *ServerlessRuntime) InvokeFunction(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	r.mu.RLock()
	def, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoke function %s: %w", name, compute.ErrFunctionNotFound)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				result <- outcome{err: fmt.Errorf("function panic: %v", rec)}
			}
		}()
		out, err := def.Handler(ictx, payload)
		result <- outcome{result: out, err: err}
	}()

	select {
	case out := <-result:
		if out.err != nil {
			return nil, fmt.Errorf("invoke function %s: %w", name, out.err)
		}
		return out.result, nil
	case <-ictx.Done():
		return nil, fmt.Errorf("invoke function %s: %w", name, ictx.Err())
	}
}

// DeleteFunction removes the function.
func (r *ServerlessRuntime) DeleteFunction(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[name]; !ok {
		return fmt.Errorf("delete function %s: %w", name, compute.ErrFunctionNotFound)
	}
	delete(r.functions, name)
	return nil
}

// ListFunctions returns the registered names in lexical order.
func (r *ServerlessRuntime) ListFunctions(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	out := make([]string, 0, len(r.functions))
	for name := range r.functions {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Close forgets every function.
func (r *ServerlessRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions = make(map[string]compute.FunctionDefinition)
	return nil
}
