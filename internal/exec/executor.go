package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"option-range-bot/internal/metrics"
)

// ErrReverted marks a transaction that was mined with a zero status. For the
// retry policy it is indistinguishable from a transport failure.
var ErrReverted = errors.New("transaction reverted")

const defaultBackoff = 5 * time.Second

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Policy wraps every irreversible on-chain action uniformly: submit, confirm,
// and on failure retry exactly once after a fixed backoff. A terminal failure
// is surfaced to the caller, which scopes it to the instrument/side at hand;
// the policy never aborts a whole market loop by itself.
type Policy struct {
	confirmer Confirmer
	backoff   time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewPolicy(confirmer Confirmer, backoff time.Duration, log *zap.Logger, m *metrics.Metrics) *Policy {
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Policy{confirmer: confirmer, backoff: backoff, log: log, metrics: m}
}

// Run executes one action through the policy. submit must be safe to call a
// second time after a failed first attempt.
func (p *Policy) Run(ctx context.Context, action string, fields []zap.Field, submit func(context.Context) (*types.Transaction, error)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			p.metrics.TxRetries.Inc()
			p.log.Warn("retrying transaction",
				append([]zap.Field{zap.String("action", action), zap.Error(lastErr)}, fields...)...)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff):
			}
		}
		tx, err := submit(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		receipt, err := p.confirmer.WaitMined(ctx, tx)
		if err != nil {
			lastErr = err
			continue
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	p.metrics.TxFailures.Inc()
	return fmt.Errorf("%s failed after retry: %w", action, lastErr)
}
