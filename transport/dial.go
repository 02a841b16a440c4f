package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dermesser/clustermq"
)

// errRetry marks a dial failure worth retrying, e.g. an in-process endpoint that is not bound yet.
var errRetry = errors.New("endpoint not available")

// Retry calls dial with exponential backoff until it succeeds, returns a permanent error
// (backoff.Permanent), or the connect timeout expires. A timeout of 0 retries until ctx is done.
// Exposed for drivers in other packages.
func Retry[T any](ctx context.Context, timeout time.Duration, dial func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	// ctx carries the deadline.
	eb.MaxElapsedTime = 0

	var result T
	err := backoff.Retry(func() error {
		r, err := dial(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(eb, ctx))

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, clustermq.WrapError(clustermq.ErrTimeout, "connect", err)
		}
		if ctx.Err() != nil {
			return result, clustermq.WrapError(clustermq.ErrCancelled, "connect", ctx.Err())
		}
		return result, err
	}
	return result, nil
}
