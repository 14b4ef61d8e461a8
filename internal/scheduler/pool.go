package scheduler

import (
	"context"
	"runtime"
)

// pool bounds how many logical tasks are genuinely runnable at once. Each
// logical task is a goroutine; it holds a slot only while executing, and
// gives it back whenever it parks on a sub-task. The number of in-flight
// logical tasks can therefore vastly exceed the slot count.
type pool struct {
	slots chan struct{}
}

// newPool creates a pool with n slots; n <= 0 auto-detects from NumCPU.
func newPool(n int) *pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &pool{slots: make(chan struct{}, n)}
}

// acquire claims a slot, or gives up when the context is cancelled. A caller
// that gets an error holds nothing and must not release.
func (p *pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireBlocking claims a slot unconditionally. Used on the resume side of
// a suspension, where slot accounting must stay balanced even during
// cancellation: every running body eventually settles and releases, so this
// always terminates.
func (p *pool) acquireBlocking() {
	p.slots <- struct{}{}
}

func (p *pool) release() {
	<-p.slots
}

func (p *pool) size() int {
	return cap(p.slots)
}
