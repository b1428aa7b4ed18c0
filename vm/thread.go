package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Thread: a guest thread bound to one goroutine
// ---------------------------------------------------------------------------

// Thread is the per-goroutine execution state of a guest thread. Monitors
// identify owners by goroutine, so a Thread must only run on the goroutine
// that attached it.
type Thread struct {
	ID uuid.UUID

	vm  *VM
	gid int64
	ctx context.Context

	stop        func() bool
	cancelled   atomic.Bool
	interrupted atomic.Bool
	interruptCh chan struct{}

	depth  int
	frames []*Frame
}

// AttachThread binds a new guest thread to the calling goroutine. If the
// goroutine already has one, it is returned. Cancelling ctx terminates the
// thread at its next step and wakes it from any monitor wait.
func (vm *VM) AttachThread(ctx context.Context) *Thread {
	gid := goid.Get()
	if t, ok := vm.threads.Load(gid); ok {
		return t.(*Thread)
	}
	t := &Thread{
		ID:          uuid.New(),
		vm:          vm,
		gid:         gid,
		ctx:         ctx,
		interruptCh: make(chan struct{}, 1),
	}
	t.stop = context.AfterFunc(ctx, func() {
		t.cancelled.Store(true)
		t.Interrupt()
	})
	vm.threads.Store(gid, t)
	vm.log.Debugf("attached thread %s to goroutine %d", t.ID, gid)
	return t
}

// Detach unbinds the thread from its goroutine. It must not be used
// afterwards.
func (t *Thread) Detach() {
	t.stop()
	t.vm.threads.Delete(t.gid)
	t.vm.log.Debugf("detached thread %s", t.ID)
}

// CurrentThread returns the thread attached to the calling goroutine.
func (vm *VM) CurrentThread() (*Thread, bool) {
	t, ok := vm.threads.Load(goid.Get())
	if !ok {
		return nil, false
	}
	return t.(*Thread), true
}

// Start runs m on a new guest thread and goroutine. The returned channel
// yields the outcome once. Arguments are checked and static initialization
// runs on the new thread exactly as Invoke does; the result follows the
// same ownership rules.
func (vm *VM) Start(ctx context.Context, m *Method, args []Value) <-chan Outcome {
	held := make([]Value, len(args))
	for i, a := range args {
		a.retain()
		held[i] = a
	}
	out := make(chan Outcome, 1)
	go func() {
		t := vm.AttachThread(ctx)
		defer t.Detach()
		v, err := t.Invoke(m, held...)
		releaseValues(held)
		out <- Outcome{Thread: t.ID, Value: v, Err: err}
	}()
	return out
}

// Outcome is the final state of a thread started with Start.
type Outcome struct {
	Thread uuid.UUID
	Value  Value
	Err    error
}

// VM returns the owning engine.
func (t *Thread) VM() *VM { return t.vm }

// Context returns the context the thread was attached with.
func (t *Thread) Context() context.Context { return t.ctx }

// Depth returns the number of active invocations.
func (t *Thread) Depth() int { return t.depth }

// Interrupt sets the interrupt flag and wakes a blocked monitor wait.
func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
	select {
	case t.interruptCh <- struct{}{}:
	default:
	}
}

// Interrupted reports and clears the interrupt flag.
func (t *Thread) Interrupted() bool {
	if !t.interrupted.Swap(false) {
		return false
	}
	select {
	case <-t.interruptCh:
	default:
	}
	return true
}

// Cancelled reports whether the thread's context has been cancelled.
func (t *Thread) Cancelled() bool { return t.cancelled.Load() }

func (t *Thread) checkCancelled() error {
	if t.cancelled.Load() {
		return ErrThreadCancelled
	}
	return nil
}

// StackTrace describes the interpreted frames, innermost first.
func (t *Thread) StackTrace() []string {
	out := make([]string, 0, len(t.frames))
	for i := len(t.frames) - 1; i >= 0; i-- {
		out = append(out, t.frames[i].String())
	}
	return out
}

func (t *Thread) String() string { return fmt.Sprintf("thread %s", t.ID) }
