package vm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the engine
// ---------------------------------------------------------------------------

// Options configures a VM.
type Options struct {
	HeapLimit    int64  // bytes; zero is unbounded
	MaxCallDepth int    // nested invocations per thread before StackOverflowError
	JITEnabled   bool   // compile hot methods in the background
	JITThreshold uint64 // invocations before a method is hot
	JITWorkers   int    // background compiler goroutines
	JITQueue     int    // pending hot methods; overflow stays interpreted

	// DetectDeadlocks turns on lock-order and timeout checking for the
	// engine's internal locks. The switch is process-wide; the last VM
	// created sets it.
	DetectDeadlocks bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxCallDepth: 1024,
		JITEnabled:   true,
		JITThreshold: DefaultHotThreshold,
		JITWorkers:   1,
		JITQueue:     100,
	}
}

// Tracer observes execution. Calls are made synchronously on the thread
// doing the work, so implementations must be fast and safe for concurrent
// use.
type Tracer interface {
	MethodEntered(thread uuid.UUID, m *Method, depth int)
	FaultRaised(thread uuid.UUID, m *Method, pc int, exc *Exception, caught bool)
	UnitInstalled(u *CompiledUnit)
}

// VM is one engine instance: a heap, a class table and the threads
// attached to it.
type VM struct {
	Classes *ClassTable
	Heap    *Heap
	Symbols *Symbols

	charArray *Class
	strings   stringPool
	threads   sync.Map // goroutine id -> *Thread

	maxDepth  int
	profiler  *Profiler
	compiler  *Compiler
	jit       *JIT
	installer Installer
	tracer    Tracer
	linker    DynamicLinker

	log commonlog.Logger
}

// NewVM creates a VM and defines the bootstrap classes.
func NewVM(opts Options) (*VM, error) {
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = DefaultOptions().MaxCallDepth
	}
	deadlock.Opts.Disable = !opts.DetectDeadlocks
	heap := NewHeap(opts.HeapLimit)
	vm := &VM{
		Classes:   NewClassTable(heap),
		Heap:      heap,
		maxDepth:  opts.MaxCallDepth,
		installer: DirectInstaller{},
		log:       commonlog.GetLogger("cask.vm"),
	}
	if err := vm.bootstrap(); err != nil {
		return nil, err
	}
	vm.compiler = NewCompiler(vm)
	vm.profiler = NewProfiler(opts.JITThreshold)
	if opts.JITEnabled {
		vm.jit = NewJIT(vm, opts.JITWorkers, opts.JITQueue)
	}
	vm.log.Infof("started: %d bootstrap classes, heap limit %d, jit %t", vm.Classes.Len(), opts.HeapLimit, opts.JITEnabled)
	return vm, nil
}

// SetLoader installs the source of classes the table cannot find.
func (vm *VM) SetLoader(l ClassLoader) { vm.Classes.SetLoader(l) }

// SetTracer installs an execution observer; nil removes it.
func (vm *VM) SetTracer(t Tracer) { vm.tracer = t }

// SetLinker installs the binder for invokedynamic call sites.
func (vm *VM) SetLinker(l DynamicLinker) { vm.linker = l }

// SetInstaller replaces how compiled units are installed.
func (vm *VM) SetInstaller(i Installer) {
	if i == nil {
		i = DirectInstaller{}
	}
	vm.installer = i
}

// Installer returns the current unit installer.
func (vm *VM) Installer() Installer { return vm.installer }

// Define links a class definition into the VM.
func (vm *VM) Define(def *ClassDef) (*Class, error) { return vm.Classes.Define(def) }

// Compiler returns the VM's compiler.
func (vm *VM) Compiler() *Compiler { return vm.compiler }

// JIT returns the adaptive compiler, or nil when it is disabled.
func (vm *VM) JIT() *JIT { return vm.jit }

// Profiler returns the invocation profiler.
func (vm *VM) Profiler() *Profiler { return vm.profiler }

// Close stops background compilation. The heap stays usable.
func (vm *VM) Close() {
	if vm.jit != nil {
		vm.jit.Stop()
	}
}
