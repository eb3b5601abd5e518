package vm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/vm/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T, wasm []byte) *Machine {
	t.Helper()
	ctx := context.Background()
	m, err := New(ctx, Config{Wasm: wasm, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(ctx) })
	return m
}

func execute(t *testing.T, m *Machine, ctx context.Context, run Run) (*Outcome, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if run.Name == "" {
		run.Name = t.Name()
	}
	run.Root = t.TempDir()
	run.Args = []string{"python", "-c", "pass"}
	run.Stdout = &stdout
	run.Stderr = &stderr

	out, err := m.Execute(ctx, run)
	require.NoError(t, err)
	return out, stdout.String(), stderr.String()
}

func TestExecute_normal_exit(t *testing.T) {
	m := newMachine(t, wasmtest.Hello())

	out, stdout, stderr := execute(t, m, context.Background(), Run{MaxCalls: 1000})

	assert.Equal(t, FaultNone, out.Fault)
	assert.False(t, out.Faulted())
	assert.Equal(t, uint32(0), out.ExitCode)
	assert.Equal(t, "hi\n", stdout)
	assert.Empty(t, stderr)
	assert.Positive(t, out.Calls)
}

func TestExecute_program_exit_is_not_a_fault(t *testing.T) {
	for _, code := range []uint32{0, 3} {
		t.Run(fmt.Sprintf("exit_%d", code), func(t *testing.T) {
			m := newMachine(t, wasmtest.Exit(code))

			out, _, _ := execute(t, m, context.Background(), Run{})

			assert.Equal(t, FaultNone, out.Fault)
			assert.Equal(t, code, out.ExitCode)
		})
	}
}

func TestExecute_budget_exceeded_keeps_partial_output(t *testing.T) {
	m := newMachine(t, wasmtest.WriteThenSpin("partial\n"))

	out, stdout, _ := execute(t, m, context.Background(), Run{MaxCalls: 10_000, Timeout: 30 * time.Second})

	assert.Equal(t, FaultBudget, out.Fault)
	assert.ErrorIs(t, out.Err, ErrBudgetExceeded)
	assert.Greater(t, out.Calls, uint64(10_000))
	assert.Equal(t, "partial\n", stdout)
}

func TestExecute_deadline_stops_loop_without_calls(t *testing.T) {
	m := newMachine(t, wasmtest.SpinNoCalls())

	out, _, _ := execute(t, m, context.Background(), Run{MaxCalls: 10, Timeout: 100 * time.Millisecond})

	assert.Equal(t, FaultDeadline, out.Fault)
	assert.Equal(t, "deadline exceeded", out.Fault.String())
}

func TestExecute_caller_cancel(t *testing.T) {
	m := newMachine(t, wasmtest.Spin())
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	out, _, _ := execute(t, m, ctx, Run{})

	assert.Equal(t, FaultCanceled, out.Fault)
}

func TestExecute_trap(t *testing.T) {
	m := newMachine(t, wasmtest.Trap())

	out, _, _ := execute(t, m, context.Background(), Run{})

	assert.Equal(t, FaultTrap, out.Fault)
	assert.Error(t, out.Err)
}

func TestExecute_runs_are_independent(t *testing.T) {
	m := newMachine(t, wasmtest.Hello())

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var stdout bytes.Buffer
			out, err := m.Execute(context.Background(), Run{
				Name:   fmt.Sprintf("run-%d", i),
				Args:   []string{"python"},
				Root:   t.TempDir(),
				Stdout: &stdout,
			})
			if assert.NoError(t, err) {
				assert.False(t, out.Faulted())
			}
			results[i] = stdout.String()
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "hi\n", r)
	}
}

func TestNew_requires_module(t *testing.T) {
	_, err := New(context.Background(), Config{Logger: zerolog.Nop()})

	assert.Error(t, err)
}

func TestNew_rejects_invalid_module(t *testing.T) {
	_, err := New(context.Background(), Config{Wasm: []byte("not wasm"), Logger: zerolog.Nop()})

	assert.Error(t, err)
}

func TestNew_with_compilation_cache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		m, err := New(ctx, Config{Wasm: wasmtest.Hello(), CacheDir: dir, MemoryLimitPages: 16, Logger: zerolog.Nop()})
		require.NoError(t, err)
		out, stdout, _ := execute(t, m, ctx, Run{})
		assert.Equal(t, FaultNone, out.Fault)
		assert.Equal(t, "hi\n", stdout)
		require.NoError(t, m.Close(ctx))
	}
}

func TestFault_String(t *testing.T) {
	assert.Equal(t, "none", FaultNone.String())
	assert.Equal(t, "budget exceeded", FaultBudget.String())
	assert.Equal(t, "trap", FaultTrap.String())
	assert.Equal(t, "fault(42)", Fault(42).String())
}
