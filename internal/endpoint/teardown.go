package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/transport"
)

// DefaultTeardownInterval is how often Teardown retries Finish.
const DefaultTeardownInterval = 100 * time.Millisecond

// Teardown finishes tr, retrying while endpoints are still open. It returns
// association.ErrShutdownTimeout if tr is still busy when ctx is done.
func Teardown(ctx context.Context, tr transport.Transport, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTeardownInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := tr.Finish()
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrBusy) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", association.ErrShutdownTimeout, err)
		case <-ticker.C:
		}
	}
}
