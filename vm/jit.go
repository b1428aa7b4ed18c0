package vm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

// JIT manages adaptive compilation of hot methods. It connects the
// profiler, which detects hot methods on the invoking thread, to the
// compiler, which runs on background workers. Installed units take effect
// at the next invocation; activations already running stay where they are.
type JIT struct {
	vm       *VM
	compiler *Compiler
	profiler *Profiler

	pending chan *Method
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	mu       sync.RWMutex
	queued   map[*Method]bool
	units    map[*Method]*CompiledUnit
	rejected map[*Method]error

	inflight        atomic.Int64
	methodsCompiled atomic.Uint64
	methodsRejected atomic.Uint64
	queueDrops      atomic.Uint64
	compileNanos    atomic.Uint64

	enabled atomic.Bool
	workers int
	log     commonlog.Logger
}

// NewJIT creates a JIT for vm, hooks it to the VM's profiler and starts
// workers background compilers.
func NewJIT(vm *VM, workers, queueSize int) *JIT {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	j := &JIT{
		vm:       vm,
		compiler: vm.compiler,
		profiler: vm.profiler,
		pending:  make(chan *Method, queueSize),
		done:     make(chan struct{}),
		queued:   make(map[*Method]bool),
		units:    make(map[*Method]*CompiledUnit),
		rejected: make(map[*Method]error),
		workers:  workers,
		log:      commonlog.GetLogger("cask.jit"),
	}
	j.enabled.Store(true)
	if j.profiler != nil {
		j.profiler.OnHot = j.onHot
	}
	for i := 0; i < workers; i++ {
		j.wg.Add(1)
		go j.worker()
	}
	return j
}

// SetEnabled turns background compilation of hot methods on or off.
func (j *JIT) SetEnabled(on bool) { j.enabled.Store(on) }

// Enabled reports whether hot methods are being compiled.
func (j *JIT) Enabled() bool { return j.enabled.Load() }

// onHot queues a method that just turned hot. It never blocks the invoking
// thread; if the queue is full the method stays interpreted.
func (j *JIT) onHot(m *Method, _ *MethodProfile) {
	if !j.Enabled() || !IsCompilable(m) {
		return
	}
	j.mu.Lock()
	if j.queued[m] {
		j.mu.Unlock()
		return
	}
	j.queued[m] = true
	j.mu.Unlock()

	j.inflight.Add(1)
	select {
	case j.pending <- m:
	default:
		j.inflight.Add(-1)
		j.queueDrops.Add(1)
		j.mu.Lock()
		delete(j.queued, m)
		j.mu.Unlock()
		j.log.Debugf("queue full, %s stays interpreted", m.Key())
	}
}

func (j *JIT) worker() {
	defer j.wg.Done()
	for {
		select {
		case m := <-j.pending:
			if _, err := j.Compile(m); err != nil && !errors.Is(err, ErrNotCompilable) {
				j.log.Warningf("compiling %s: %v", m.Key(), err)
			}
			j.inflight.Add(-1)
		case <-j.done:
			return
		}
	}
}

// Compile compiles and installs m now, on the calling goroutine. A method
// that is already compiled returns its installed unit.
func (j *JIT) Compile(m *Method) (*CompiledUnit, error) {
	j.mu.RLock()
	u, ok := j.units[m]
	rejection := j.rejected[m]
	j.mu.RUnlock()
	if ok {
		return u, nil
	}
	if rejection != nil {
		return nil, rejection
	}

	start := time.Now()
	u, err := j.compiler.Compile(m)
	j.compileNanos.Add(uint64(time.Since(start)))

	j.mu.Lock()
	defer j.mu.Unlock()
	if prev, ok := j.units[m]; ok {
		return prev, nil
	}
	if err == nil {
		err = j.vm.installer.Install(m, u)
	}
	if err != nil {
		j.rejected[m] = err
		j.methodsRejected.Add(1)
		j.log.Debugf("rejected %s: %v", m.Key(), err)
		return nil, err
	}
	j.units[m] = u
	j.methodsCompiled.Add(1)
	j.log.Infof("installed %s for %s", u.Name, m.Key())
	if j.vm.tracer != nil {
		j.vm.tracer.UnitInstalled(u)
	}
	return u, nil
}

// CompileAll compiles every compilable method in methods concurrently,
// bounded by the worker count. Methods outside the compiled subset are
// skipped; the first other failure is returned.
func (j *JIT) CompileAll(ctx context.Context, methods []*Method) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for _, m := range methods {
		m := m
		if !IsCompilable(m) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := j.Compile(m); err != nil && !errors.Is(err, ErrNotCompilable) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Quiesce waits until every queued method has been compiled or rejected.
func (j *JIT) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for j.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Unit returns the unit installed for m by this JIT, or nil.
func (j *JIT) Unit(m *Method) *CompiledUnit {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.units[m]
}

// Units returns every installed unit ordered by name.
func (j *JIT) Units() []*CompiledUnit {
	j.mu.RLock()
	units := make([]*CompiledUnit, 0, len(j.units))
	for _, u := range j.units {
		units = append(units, u)
	}
	j.mu.RUnlock()
	sort.Slice(units, func(a, b int) bool { return units[a].Name < units[b].Name })
	return units
}

// Rejection returns why m could not be compiled, or nil.
func (j *JIT) Rejection(m *Method) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rejected[m]
}

// JITStats holds JIT compiler statistics.
type JITStats struct {
	MethodsCompiled uint64
	MethodsRejected uint64
	QueueDrops      uint64
	QueueLength     int
	CompileTime     time.Duration
}

// Stats returns JIT compiler statistics.
func (j *JIT) Stats() JITStats {
	return JITStats{
		MethodsCompiled: j.methodsCompiled.Load(),
		MethodsRejected: j.methodsRejected.Load(),
		QueueDrops:      j.queueDrops.Load(),
		QueueLength:     len(j.pending),
		CompileTime:     time.Duration(j.compileNanos.Load()),
	}
}

// Stop stops the background workers. Queued methods are abandoned.
func (j *JIT) Stop() {
	j.stop.Do(func() { close(j.done) })
	j.wg.Wait()
	for {
		select {
		case <-j.pending:
			j.inflight.Add(-1)
		default:
			return
		}
	}
}

// Reset uninstalls every unit this JIT installed and forgets rejections.
func (j *JIT) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for m := range j.units {
		Uninstall(m)
	}
	j.units = make(map[*Method]*CompiledUnit)
	j.rejected = make(map[*Method]error)
	j.queued = make(map[*Method]bool)
	j.methodsCompiled.Store(0)
	j.methodsRejected.Store(0)
}
