package driver

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/share"
)

// RetryPolicy bounds Retry. The delay before attempt n is Delay, or
// n*Delay when Linear is set.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts" json:"attempts"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay" json:"delay"`
	Linear   bool          `mapstructure:"linear" yaml:"linear" json:"linear"`
}

// DefaultRetryPolicy is three attempts one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second}
}

// Retry calls fn until it succeeds, returns a non-retriable error or the
// attempts run out. Domain errors other than KindDriver and KindTimeout are
// not retried. The error of the last attempt is returned unchanged.
func Retry(ctx context.Context, clk clock.Clock, p RetryPolicy, fn func() error) error {
	if clk == nil {
		clk = clock.WallClock
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Delay <= 0 {
		p.Delay = time.Millisecond
	}
	backoff := func(delay time.Duration, attempt int) time.Duration {
		return delay
	}
	if p.Linear {
		base := p.Delay
		backoff = func(_ time.Duration, attempt int) time.Duration {
			return base * time.Duration(attempt)
		}
	}

	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			last = fn()
			return last
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			switch share.KindOf(err) {
			case share.KindUnknown, share.KindDriver, share.KindTimeout:
				return false
			}
			return true
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("driver call failed (attempt %d/%d): %v", attempt, p.Attempts, err)
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		BackoffFunc: backoff,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if last == nil {
		return ctx.Err()
	}
	return last
}
