package vm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestDispatchCoversExecutableOpcodes(t *testing.T) {
	for op := 0; op < 256; op++ {
		if Opcode(op).Executable() && dispatch[op] == nil {
			t.Errorf("no handler for %s", Opcode(op))
		}
	}
}

func TestInterpreterSamples(t *testing.T) {
	vm := newTestVM(t, func(o *Options) { o.MaxCallDepth = 256 })
	methods := defineSamples(t, vm)

	for _, s := range samples() {
		s := s
		t.Run(s.name, func(t *testing.T) {
			runSample(t, vm, methods[s.name], s)
		})
	}
}

func TestInterpreterDoesNotLeak(t *testing.T) {
	vm := newTestVM(t, func(o *Options) { o.MaxCallDepth = 256 })
	methods := defineSamples(t, vm)

	// Warm up once so class initialization and lazily created mirrors are
	// part of the baseline.
	for _, s := range samples() {
		runSample(t, vm, methods[s.name], s)
	}
	baseline := vm.Heap.LiveObjects()
	for _, s := range samples() {
		runSample(t, vm, methods[s.name], s)
	}
	if got := vm.Heap.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d after second pass, want %d", got, baseline)
	}
}

func TestVerificationFailure(t *testing.T) {
	vm := newTestVM(t)
	fallsOff := static(t, "fallsOff", "()V", 1, 0, func(b *CodeBuilder) {
		b.Emit(OpIconst0)
	})
	badLocal := static(t, "badLocal", "()I", 1, 1, func(b *CodeBuilder) {
		b.EmitLocal(OpIload, 4)
		b.Emit(OpIreturn)
	})
	defineClass(t, vm, &ClassDef{Name: "Broken", Methods: []*Method{fallsOff, badLocal}})

	for _, m := range []*Method{fallsOff, badLocal} {
		if Verify(m) == nil {
			t.Errorf("Verify(%s) should fail", m.Key())
		}
		if exc := invokeFault(t, vm, m); exc.Kind != FaultVerification {
			t.Errorf("%s raised %v, want a verification fault", m.Key(), exc.Kind)
		}
	}
}

func TestStackOverrunIsVerificationFault(t *testing.T) {
	vm := newTestVM(t)
	m := static(t, "overrun", "()I", 1, 0, func(b *CodeBuilder) {
		b.Emit(OpIconst1)
		b.Emit(OpIconst2)
		b.Emit(OpIadd)
		b.Emit(OpIreturn)
	})
	defineClass(t, vm, &ClassDef{Name: "Overrun", Methods: []*Method{m}})

	if exc := invokeFault(t, vm, m); exc.Kind != FaultVerification {
		t.Errorf("raised %v, want a verification fault", exc.Kind)
	}
}

func TestStaticInitializerRunsOnce(t *testing.T) {
	vm := newTestVM(t)
	clinit := assemble(t, "<clinit>", "()V", AccStatic, 2, 0, func(b *CodeBuilder) {
		b.EmitField(OpGetstatic, "Init", "runs", "I")
		b.Emit(OpIconst1)
		b.Emit(OpIadd)
		b.EmitField(OpPutstatic, "Init", "runs", "I")
		b.Emit(OpReturn)
	})
	get := static(t, "runs", "()I", 1, 0, func(b *CodeBuilder) {
		b.EmitField(OpGetstatic, "Init", "runs", "I")
		b.Emit(OpIreturn)
	})
	defineClass(t, vm, &ClassDef{
		Name:    "Init",
		Fields:  []FieldDef{{Name: "runs", Desc: "I", Flags: AccStatic}},
		Methods: []*Method{clinit, get},
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := vm.Invoke(context.Background(), get); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := invoke(t, vm, get).AsInt(); got != 1 {
		t.Errorf("<clinit> ran %d times", got)
	}
}

func TestFailedInitializerPoisonsClass(t *testing.T) {
	vm := newTestVM(t)
	clinit := assemble(t, "<clinit>", "()V", AccStatic, 2, 0, func(b *CodeBuilder) {
		b.Emit(OpIconst1)
		b.Emit(OpIconst0)
		b.Emit(OpIdiv)
		b.Emit(OpPop)
		b.Emit(OpReturn)
	})
	touch := static(t, "touch", "()V", 0, 0, func(b *CodeBuilder) {
		b.Emit(OpReturn)
	})
	defineClass(t, vm, &ClassDef{Name: "Poisoned", Methods: []*Method{clinit, touch}})

	first := invokeFault(t, vm, touch)
	second := invokeFault(t, vm, touch)
	if first.Kind != FaultInitialization {
		t.Errorf("first use raised %v, want %v", first.Kind, FaultInitialization)
	}
	if second.Kind != FaultResolution && second.Kind != FaultInitialization {
		t.Errorf("second use raised %v, want the class to stay unusable", second.Kind)
	}
}

func TestNativeInterceptor(t *testing.T) {
	vm := newTestVM(t)
	m := static(t, "answer", "()I", 1, 0, func(b *CodeBuilder) {
		b.EmitInt(OpBipush, 42)
		b.Emit(OpIreturn)
	})
	defineClass(t, vm, &ClassDef{Name: "Intercepted", Methods: []*Method{m}})

	vm.SetInvoker(m, func(c *NativeContext) (Result, error) {
		c.SetResult(Int(7))
		return Abort, nil
	})
	if got := invoke(t, vm, m).AsInt(); got != 7 {
		t.Errorf("intercepted result = %d, want 7", got)
	}

	vm.SetInvoker(m, func(*NativeContext) (Result, error) { return Continue, nil })
	if got := invoke(t, vm, m).AsInt(); got != 42 {
		t.Errorf("pass-through result = %d, want 42", got)
	}

	vm.SetInvoker(m, nil)
	if got := invoke(t, vm, m).AsInt(); got != 42 {
		t.Errorf("result without interceptor = %d, want 42", got)
	}
}

func TestBindNatives(t *testing.T) {
	vm := newTestVM(t)
	c := defineClass(t, vm, &ClassDef{
		Name: "Host",
		Methods: []*Method{
			{Name: "twice", Desc: "(I)I", Flags: AccPublic | AccStatic | AccNative},
		},
	})
	if err := c.BindNatives(map[string]NativeFunc{
		"twice(I)I": func(nc *NativeContext) (Result, error) {
			nc.SetResult(Int(nc.Arg(0).AsInt() * 2))
			return Abort, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if got := invoke(t, vm, c.DeclaredMethod("twice", "(I)I"), Int(21)).AsInt(); got != 42 {
		t.Errorf("twice(21) = %d", got)
	}
}

type recordingTracer struct {
	mu      sync.Mutex
	entered []string
	faults  []string
	units   []string
}

func (r *recordingTracer) MethodEntered(_ uuid.UUID, m *Method, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entered = append(r.entered, m.Name)
}

func (r *recordingTracer) FaultRaised(_ uuid.UUID, m *Method, pc int, exc *Exception, caught bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "uncaught"
	if caught {
		state = "caught"
	}
	r.faults = append(r.faults, m.Name+" "+exc.Kind.String()+" "+state)
}

func (r *recordingTracer) UnitInstalled(u *CompiledUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u.Method)
}

func TestTracerSeesEntriesAndFaults(t *testing.T) {
	vm := newTestVM(t)
	methods := defineSamples(t, vm)
	tr := &recordingTracer{}
	vm.SetTracer(tr)

	for _, s := range samples() {
		if s.name == "catchArithmetic" || s.name == "divByZero" {
			runSample(t, vm, methods[s.name], s)
		}
	}
	vm.SetTracer(nil)

	joined := strings.Join(tr.faults, "\n")
	if !strings.Contains(joined, "divByZero java/lang/ArithmeticException uncaught") {
		t.Errorf("uncaught fault not traced:\n%s", joined)
	}
	if !strings.Contains(joined, "catchArithmetic java/lang/ArithmeticException caught") {
		t.Errorf("caught fault not traced:\n%s", joined)
	}
	if len(tr.entered) != 2 {
		t.Errorf("entered = %v, want two entries", tr.entered)
	}
}

func TestStackTraceInsideNative(t *testing.T) {
	vm := newTestVM(t)
	var trace []string
	probe := NewNativeMethod("probe", "()V", AccPublic|AccStatic, func(c *NativeContext) (Result, error) {
		trace = c.Thread.StackTrace()
		return Abort, nil
	})
	caller := static(t, "caller", "()V", 0, 0, func(b *CodeBuilder) {
		b.SetLine(12)
		b.EmitInvoke(OpInvokestatic, "Traced", "probe", "()V")
		b.Emit(OpReturn)
	})
	defineClass(t, vm, &ClassDef{Name: "Traced", Methods: []*Method{probe, caller}})

	invoke(t, vm, caller)
	if len(trace) == 0 || !strings.Contains(trace[0], "Traced.caller") {
		t.Errorf("stack trace = %v, want the interpreted caller first", trace)
	}
}

func TestDisassemble(t *testing.T) {
	b := NewCodeBuilder()
	l := b.NewLabel()
	b.EmitLdc("hi")
	b.EmitJump(OpGoto, l)
	b.Mark(l)
	b.Emit(OpAreturn)
	code, _, err := b.Code()
	if err != nil {
		t.Fatal(err)
	}

	listing := Disassemble(code)
	for _, want := range []string{`0000  ldc "hi"`, "0001  goto -> 0002", "0002  areturn"} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing missing %q:\n%s", want, listing)
		}
	}
}

func TestCodeBuilderUnmarkedLabel(t *testing.T) {
	b := NewCodeBuilder()
	b.EmitJump(OpGoto, b.NewLabel())
	if _, _, err := b.Code(); err == nil {
		t.Error("branch to an unmarked label should fail")
	}
}
