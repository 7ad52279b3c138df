// Package retry runs operations with backoff.
//
// It is used where waiting out a transient failure is correct: connecting
// to the storage backend at startup and polling a distributed lock. Logins
// against the upstream are never retried through this package.
//
//	err := retry.Do(ctx, &retry.Config{
//	    MaxAttempts: 5,
//	    Backoff:     retry.FromSettings(500*time.Millisecond, 10*time.Second, 2, 0.1),
//	}, func(ctx context.Context) error {
//	    return backend.Ping(ctx)
//	})
package retry
