package httpserver

import (
	"context"
	"errors"
	"time"
)

// ShutdownTimeout bounds how long serve waits for listeners and sessions to drain.
var ShutdownTimeout = 10 * time.Second

// Shutdowner is anything that can drain gracefully, such as Server or the
// frame server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownAll drains each component in order under a single ShutdownTimeout
// budget and joins their errors.
func ShutdownAll(components ...Shutdowner) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, c := range components {
		if c == nil {
			continue
		}
		if err := c.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
