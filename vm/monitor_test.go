package vm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorReentrant(t *testing.T) {
	m := newMonitor()
	m.Enter()
	m.Enter()
	if m.Depth() != 2 {
		t.Errorf("depth = %d, want 2", m.Depth())
	}
	if err := m.Exit(); err != nil {
		t.Fatal(err)
	}
	if !m.HeldByCurrentThread() {
		t.Error("one level should still be held")
	}
	if err := m.Exit(); err != nil {
		t.Fatal(err)
	}
	if m.HeldByCurrentThread() {
		t.Error("monitor should be free")
	}
	if err := m.Exit(); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("exit without ownership = %v", err)
	}
}

func TestMonitorExcludes(t *testing.T) {
	m := newMonitor()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Enter()
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				inside.Add(-1)
				m.Exit()
			}
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("%d goroutines held the monitor at once", maxInside.Load())
	}
}

func TestMonitorTryEnter(t *testing.T) {
	m := newMonitor()
	m.Enter()
	defer m.Exit()

	got := make(chan bool)
	go func() { got <- m.TryEnter() }()
	if <-got {
		t.Error("TryEnter from another goroutine should fail while held")
	}
	if !m.TryEnter() {
		t.Error("owner should reenter with TryEnter")
	}
	m.Exit()
}

func TestMonitorWaitNotify(t *testing.T) {
	m := newMonitor()
	woke := make(chan error)
	ready := make(chan struct{})

	go func() {
		m.Enter()
		m.Enter()
		close(ready)
		err := m.Wait(0, nil)
		depth := m.Depth()
		m.Exit()
		m.Exit()
		if err == nil && depth != 2 {
			err = errors.New("wait did not restore the hold count")
		}
		woke <- err
	}()

	<-ready
	// Wait releases the monitor, so the notifier can get in.
	for {
		m.Enter()
		if m.Waiters() == 1 {
			break
		}
		m.Exit()
		time.Sleep(time.Millisecond)
	}
	if err := m.Notify(); err != nil {
		t.Fatal(err)
	}
	m.Exit()

	select {
	case err := <-woke:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestMonitorWaitTimeout(t *testing.T) {
	m := newMonitor()
	m.Enter()
	defer m.Exit()

	start := time.Now()
	if err := m.Wait(20*time.Millisecond, nil); err != nil {
		t.Fatalf("timed wait = %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("wait returned before its timeout")
	}
	if !m.HeldByCurrentThread() {
		t.Error("monitor should be reacquired after a timeout")
	}
}

func TestMonitorWaitInterrupted(t *testing.T) {
	m := newMonitor()
	interrupt := make(chan struct{}, 1)
	interrupt <- struct{}{}

	m.Enter()
	defer m.Exit()
	if err := m.Wait(0, interrupt); !errors.Is(err, ErrInterrupted) {
		t.Errorf("interrupted wait = %v", err)
	}
}

// waitFor polls until the monitor has n waiters.
func waitFor(t *testing.T, m *Monitor, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Waiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("wait set has %d threads, want %d", m.Waiters(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMonitorInterruptPassesNotificationOn(t *testing.T) {
	m := newMonitor()
	interruptA := make(chan struct{}, 1)
	doneA, doneB := make(chan error, 1), make(chan error, 1)

	go func() {
		m.Enter()
		doneA <- m.Wait(0, interruptA)
		m.Exit()
	}()
	waitFor(t, m, 1)
	go func() {
		m.Enter()
		doneB <- m.Wait(0, nil)
		m.Exit()
	}()
	waitFor(t, m, 2)

	// Interrupt A, then notify it while A is still blocked on the
	// internal lock, so the notification arrives after the interrupt won.
	m.Enter()
	m.mu.Lock()
	interruptA <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	m.notifyOne()
	m.mu.Unlock()
	m.Exit()

	var errA error
	select {
	case errA = <-doneA:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted waiter never returned")
	}
	if errA == nil {
		// A saw the notification before the interrupt; B is still waiting
		// and nothing was lost.
		m.Enter()
		m.Notify()
		m.Exit()
		<-doneB
		return
	}
	if !errors.Is(errA, ErrInterrupted) {
		t.Fatalf("A = %v, want ErrInterrupted", errA)
	}
	select {
	case err := <-doneB:
		if err != nil {
			t.Errorf("B = %v, want a normal wakeup", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification consumed by the interrupted waiter was lost")
	}
}

func TestMonitorNotifyRequiresOwnership(t *testing.T) {
	m := newMonitor()
	if err := m.Notify(); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("Notify = %v", err)
	}
	if err := m.NotifyAll(); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("NotifyAll = %v", err)
	}
	if err := m.Wait(time.Millisecond, nil); !errors.Is(err, ErrIllegalMonitorState) {
		t.Errorf("Wait = %v", err)
	}
}

func TestGuestWaitWithoutMonitor(t *testing.T) {
	vm := newTestVM(t)
	wait := vm.Symbols.Object.DeclaredMethod("wait", "()V")
	o, _ := vm.Heap.NewInstance(vm.Symbols.Object)
	defer o.Release()

	exc := invokeFault(t, vm, wait, Ref(o))
	if exc.Kind != FaultMonitorState {
		t.Errorf("fault = %v, want %v", exc.Kind, FaultMonitorState)
	}
}

func TestSynchronizedMethodHoldsMonitor(t *testing.T) {
	vm := newTestVM(t)
	c := defineClass(t, vm, &ClassDef{Name: "Locked"})
	var held bool
	probe := NewNativeMethod("probe", "()V", AccPublic|AccSynchronized, func(nc *NativeContext) (Result, error) {
		held = nc.This().Monitor().HeldByCurrentThread()
		return Abort, nil
	})
	probe.Owner = c
	if err := probe.prepare(); err != nil {
		t.Fatal(err)
	}

	o, _ := vm.Heap.NewInstance(c)
	defer o.Release()
	invoke(t, vm, probe, Ref(o))
	if !held {
		t.Error("synchronized method should run holding the receiver's monitor")
	}
	if o.Monitor().HeldByCurrentThread() {
		t.Error("monitor should be released on return")
	}
}

func TestCancelledThreadLeavesWait(t *testing.T) {
	vm := newTestVM(t)
	wait := vm.Symbols.Object.DeclaredMethod("wait", "()V")
	o, _ := vm.Heap.NewInstance(vm.Symbols.Object)
	defer o.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		mon := o.Monitor()
		mon.Enter()
		defer mon.Exit()
		_, err := vm.Invoke(ctx, wait, Ref(o))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrThreadCancelled) {
			t.Errorf("wait after cancel = %v, want ErrThreadCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled thread stayed in wait")
	}
}
