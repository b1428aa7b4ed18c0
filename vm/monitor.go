package vm

import (
	"errors"
	"sync"
	"time"

	"github.com/petermattis/goid"
)

var (
	// ErrIllegalMonitorState is returned when a thread exits, waits on or
	// notifies a monitor it does not own.
	ErrIllegalMonitorState = errors.New("current thread is not the monitor owner")

	// ErrInterrupted is returned from Wait when the waiting thread is
	// interrupted.
	ErrInterrupted = errors.New("wait interrupted")
)

// ---------------------------------------------------------------------------
// Monitor: reentrant lock plus wait set, one per object
// ---------------------------------------------------------------------------

// Monitor pairs a reentrant lock with a condition. Ownership is tracked by
// goroutine identity, since each guest thread runs on its own goroutine.
type Monitor struct {
	mu      sync.Mutex
	free    *sync.Cond // signalled whenever the lock is released
	owner   int64      // goroutine id, 0 when unowned
	depth   int
	waiters []*monitorWaiter
}

type monitorWaiter struct {
	wake chan struct{}
}

func newMonitor() *Monitor {
	m := &Monitor{}
	m.free = sync.NewCond(&m.mu)
	return m
}

// Enter acquires the lock, or deepens it if the caller already owns it.
func (m *Monitor) Enter() {
	gid := goid.Get()
	m.mu.Lock()
	m.acquire(gid, 1)
	m.mu.Unlock()
}

// acquire blocks until the lock is free or already ours. m.mu is held.
func (m *Monitor) acquire(gid int64, depth int) {
	if m.owner == gid {
		m.depth += depth
		return
	}
	for m.owner != 0 {
		m.free.Wait()
	}
	m.owner = gid
	m.depth = depth
}

// TryEnter acquires the lock only if that does not block.
func (m *Monitor) TryEnter() bool {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != 0 && m.owner != gid {
		return false
	}
	m.acquire(gid, 1)
	return true
}

// Exit releases one level of ownership.
func (m *Monitor) Exit() error {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid {
		return ErrIllegalMonitorState
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.free.Signal()
	}
	return nil
}

// HeldByCurrentThread reports whether the calling goroutine owns the lock.
func (m *Monitor) HeldByCurrentThread() bool {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == gid
}

// Depth returns the caller's hold count, or zero if it is not the owner.
func (m *Monitor) Depth() int {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid {
		return 0
	}
	return m.depth
}

// Wait releases every level of the lock, blocks until notified, timed out
// or interrupted, then reacquires all levels before returning. A timeout of
// zero waits indefinitely. A receive on interrupt ends the wait with
// ErrInterrupted.
func (m *Monitor) Wait(timeout time.Duration, interrupt <-chan struct{}) error {
	gid := goid.Get()
	m.mu.Lock()
	if m.owner != gid {
		m.mu.Unlock()
		return ErrIllegalMonitorState
	}
	saved := m.depth
	w := &monitorWaiter{wake: make(chan struct{}, 1)}
	m.waiters = append(m.waiters, w)
	m.owner = 0
	m.depth = 0
	m.free.Signal()
	m.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	notified, interrupted := false, false
	select {
	case <-w.wake:
		notified = true
	case <-timer:
	case <-interrupt:
		interrupted = true
	}

	m.mu.Lock()
	m.removeWaiter(w)
	if !notified {
		// A notify that dequeued w after the timer or interrupt fired
		// belongs to the next waiter.
		select {
		case <-w.wake:
			m.notifyOne()
		default:
		}
	}
	m.acquire(gid, saved)
	m.mu.Unlock()

	if interrupted {
		return ErrInterrupted
	}
	return nil
}

func (m *Monitor) removeWaiter(w *monitorWaiter) {
	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Notify wakes the longest waiting thread, if any.
func (m *Monitor) Notify() error {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid {
		return ErrIllegalMonitorState
	}
	m.notifyOne()
	return nil
}

// notifyOne wakes the head of the wait set. m.mu is held.
func (m *Monitor) notifyOne() {
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		w.wake <- struct{}{}
	}
}

// NotifyAll wakes every waiting thread.
func (m *Monitor) NotifyAll() error {
	gid := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != gid {
		return ErrIllegalMonitorState
	}
	for _, w := range m.waiters {
		w.wake <- struct{}{}
	}
	m.waiters = nil
	return nil
}

// Waiters returns the number of threads in the wait set.
func (m *Monitor) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
