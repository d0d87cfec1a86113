// Package retry provides exponential backoff with optional jitter.
//
// The bridge uses it wherever a connection has to be established before work
// can begin: the NATS connection at startup and each streaming-source
// connection opened by a notifier.
//
//	cfg := retry.Quick()
//	cfg.Retryable = errors.IsTransient
//	conn, err := retry.DoWithResult(ctx, cfg, func() (source.Conn, error) {
//	    return connector.Connect(ctx, host, clientName)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
