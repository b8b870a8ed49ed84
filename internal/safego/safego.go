// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process.
func Go(fn func()) {
	go func() {
		defer recoverAndLog("")
		fn()
	}()
}

// Group runs fire-and-forget tasks that can still be drained at shutdown.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn on the group with panic recovery. name is only used for logging.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer recoverAndLog(name)
		fn()
	}()
}

// Wait blocks until every task started on the group has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitContext waits for outstanding tasks or until ctx is done, whichever comes first.
// It returns ctx.Err() when the deadline wins.
func (g *Group) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recoverAndLog(name string) {
	if r := recover(); r != nil {
		if name != "" {
			slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
			return
		}
		slog.Error("recovered panic in background goroutine", "panic", r)
	}
}
