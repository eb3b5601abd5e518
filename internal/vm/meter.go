package vm

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// ErrBudgetExceeded is the cancellation cause when a run uses up its
// computation budget.
var ErrBudgetExceeded = errors.New("computation budget exceeded")

type meterKey struct{}

// meter counts guest function calls for one run and cancels the run's
// context once the limit is passed.
type meter struct {
	limit     uint64
	calls     atomic.Uint64
	exhausted atomic.Bool
	cancel    context.CancelCauseFunc
}

func withMeter(ctx context.Context, m *meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// callCounter is installed on every guest-defined function at compile time.
// The per-run meter travels in the call context, so one compiled module
// serves every run.
type callCounter struct{}

func (callCounter) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		// Host functions are not guest computation.
		return nil
	}
	return callCounter{}
}

func (callCounter) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	m, _ := ctx.Value(meterKey{}).(*meter)
	if m == nil {
		return
	}
	if n := m.calls.Add(1); m.limit > 0 && n > m.limit && m.exhausted.CompareAndSwap(false, true) {
		m.cancel(ErrBudgetExceeded)
	}
}

func (callCounter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (callCounter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
