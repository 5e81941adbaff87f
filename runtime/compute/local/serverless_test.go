package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/runtime/compute"
)

func echoHandler(_ context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"echo": payload["msg"]}, nil
}

func TestRegisterAndInvoke(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)

	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "echo", Handler: echoHandler}))

	out, err := r.InvokeFunction(ctx, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", out["echo"])
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)

	require.Error(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Handler: echoHandler}))
	require.Error(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "x"}))

	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "echo", Handler: echoHandler}))
	err := r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "echo", Handler: echoHandler})
	require.ErrorIs(t, err, compute.ErrFunctionExists)
}

func TestInvokeUnknown(t *testing.T) {
	r := NewServerlessRuntime(nil)
	_, err := r.InvokeFunction(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, compute.ErrFunctionNotFound)
}

func TestInvokeError(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)
	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("bad input")
		},
	}))

	_, err := r.InvokeFunction(ctx, "boom", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad input")
}

func TestInvokePanicRecovered(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)
	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{
		Name: "panicky",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			panic("oops")
		},
	}))

	_, err := r.InvokeFunction(ctx, "panicky", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "function panic")
}

func TestInvokeTimeout(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)
	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	_, err := r.InvokeFunction(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	r := NewServerlessRuntime(nil)

	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "b", Handler: echoHandler}))
	require.NoError(t, r.RegisterFunction(ctx, compute.FunctionDefinition{Name: "a", Handler: echoHandler}))

	names, err := r.ListFunctions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, r.DeleteFunction(ctx, "a"))
	require.ErrorIs(t, r.DeleteFunction(ctx, "a"), compute.ErrFunctionNotFound)

	require.NoError(t, r.Close(ctx))
	names, err = r.ListFunctions(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}
