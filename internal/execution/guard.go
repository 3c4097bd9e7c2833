package execution

import (
	"context"
	"fmt"
	"time"

	"vsp_mm/internal/domain"

	"github.com/shopspring/decimal"
)

// DefaultTransferTimeout bounds one transfer call when none is configured.
const DefaultTransferTimeout = 30 * time.Second

// Guard bounds every call to the wrapped agent by a timeout. The bound holds
// even if the agent ignores its context; a late result is dropped, so a
// timed-out transfer may still have happened.
type Guard struct {
	agent   domain.TransferAgent
	timeout time.Duration
}

// NewGuard wraps agent. timeout <= 0 selects DefaultTransferTimeout.
func NewGuard(agent domain.TransferAgent, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &Guard{agent: agent, timeout: timeout}
}

// Timeout returns the per-call bound.
func (g *Guard) Timeout() time.Duration { return g.timeout }

func (g *Guard) Allowance(ctx context.Context, asset domain.Asset, owner string) (decimal.Decimal, error) {
	return bounded(ctx, g.timeout, func(ctx context.Context) (decimal.Decimal, error) {
		return g.agent.Allowance(ctx, asset, owner)
	})
}

func (g *Guard) TransferIn(ctx context.Context, asset domain.Asset, from string, amount decimal.Decimal) (domain.Receipt, error) {
	return bounded(ctx, g.timeout, func(ctx context.Context) (domain.Receipt, error) {
		return g.agent.TransferIn(ctx, asset, from, amount)
	})
}

func (g *Guard) TransferOut(ctx context.Context, asset domain.Asset, to string, amount decimal.Decimal) (domain.Receipt, error) {
	return bounded(ctx, g.timeout, func(ctx context.Context) (domain.Receipt, error) {
		return g.agent.TransferOut(ctx, asset, to, amount)
	})
}

type result[T any] struct {
	v   T
	err error
}

func bounded[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := call(ctx)
		done <- result[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			return r.v, fmt.Errorf("%w after %s: %v", domain.ErrTransferTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w after %s", domain.ErrTransferTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
