// Package retry provides exponential backoff retry logic for transient failures.
//
// Quick returns the preset used by the gateway client: four attempts with
// sleeps growing from 50ms to at most 1s, plus jitter.
//
// RetryIf restricts which errors are retried. The gateway client uses it to
// retry only read-only calls that failed with unavailable or deadline errors:
//
//	cfg := retry.Quick()
//	cfg.RetryIf = func(err error) bool {
//	    code := connect.CodeOf(err)
//	    return code == connect.CodeUnavailable || code == connect.CodeDeadlineExceeded
//	}
//	resp, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*Response, error) {
//	    return call(ctx)
//	})
//
// All operations stop as soon as ctx is cancelled, during a call or a backoff.
package retry
