// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its values. Use this for operations that must outlive the caller,
// such as a remote abort issued while the caller's context is being torn down.
// The returned context is cancelled when stopCh is closed or the timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	if stopCh != nil {
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return ctx, cancel
}
