package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/cask/config"
	"github.com/chazu/cask/trace"
	"github.com/chazu/cask/vm"
	"github.com/chazu/cask/vm/artifact"
	"github.com/chazu/cask/vm/programs"
)

// engine is a VM with the bundled programs defined and the configured
// trace sink and artifact directory attached.
type engine struct {
	vm       *vm.VM
	programs map[string]*programs.Program
	sink     *trace.Sink
}

func newEngine(cfg *config.Config) (*engine, error) {
	v, err := vm.NewVM(cfg.VMOptions())
	if err != nil {
		return nil, err
	}
	e := &engine{vm: v}
	if e.programs, err = programs.Define(v); err != nil {
		v.Close()
		return nil, err
	}
	if cfg.Trace.Database != "" {
		if e.sink, err = trace.Open(cfg.Trace.Database); err != nil {
			v.Close()
			return nil, err
		}
		v.SetTracer(e.sink)
	}
	if cfg.JIT.ArtifactDir != "" {
		inst, err := artifact.NewDirInstaller(v, cfg.JIT.ArtifactDir, v.Installer())
		if err != nil {
			e.Close()
			return nil, err
		}
		v.SetInstaller(inst)
	}
	return e, nil
}

// Close stops the VM first so late compilations still reach the sink.
func (e *engine) Close() error {
	e.vm.Close()
	if e.sink != nil {
		return e.sink.Close()
	}
	return nil
}

func (e *engine) program(name string) (*programs.Program, error) {
	p, ok := e.programs[name]
	if !ok {
		return nil, fmt.Errorf("no program %q (have %s)", name, strings.Join(programs.Names(), ", "))
	}
	return p, nil
}

// compile installs a unit for m, going through the JIT when it runs so
// its bookkeeping and the tracer see the unit.
func (e *engine) compile(m *vm.Method) (*vm.CompiledUnit, error) {
	if j := e.vm.JIT(); j != nil {
		return j.Compile(m)
	}
	u, err := e.vm.Compiler().Compile(m)
	if err != nil {
		return nil, err
	}
	if err := e.vm.Installer().Install(m, u); err != nil {
		return nil, err
	}
	return u, nil
}

// parseArgs converts command line words to arguments for desc.
func (e *engine) parseArgs(desc string, words []string) ([]vm.Value, error) {
	mt, err := vm.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if len(words) != len(mt.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", desc, len(mt.Params), len(words))
	}
	args := make([]vm.Value, len(words))
	for i, w := range words {
		if args[i], err = e.parseArg(mt.Params[i], mt.ParamDesc[i], w); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return args, nil
}

func (e *engine) parseArg(t byte, desc, word string) (vm.Value, error) {
	switch t {
	case vm.TypeInt, vm.TypeShort, vm.TypeByte, vm.TypeChar:
		n, err := strconv.ParseInt(word, 0, 32)
		return vm.Int(int32(n)), err
	case vm.TypeBoolean:
		b, err := strconv.ParseBool(word)
		return vm.Bool(b), err
	case vm.TypeLong:
		n, err := strconv.ParseInt(word, 0, 64)
		return vm.Long(n), err
	case vm.TypeFloat:
		f, err := strconv.ParseFloat(word, 32)
		return vm.Float(float32(f)), err
	case vm.TypeDouble:
		f, err := strconv.ParseFloat(word, 64)
		return vm.Double(f), err
	}
	if desc != "Ljava/lang/String;" {
		return vm.Null, fmt.Errorf("cannot pass %s from the command line", desc)
	}
	s, err := e.vm.Intern(word)
	if err != nil {
		return vm.Null, err
	}
	return vm.Ref(s), nil
}

// format renders a result of a method with descriptor desc.
func (e *engine) format(desc string, v vm.Value) string {
	mt, err := vm.ParseMethodDescriptor(desc)
	if err != nil {
		return v.String()
	}
	switch mt.Return {
	case vm.TypeVoid:
		return "void"
	case vm.TypeBoolean:
		return strconv.FormatBool(v.AsBool())
	case vm.TypeChar:
		return strconv.QuoteRune(rune(uint16(v.AsInt())))
	case vm.TypeInt, vm.TypeShort, vm.TypeByte:
		return strconv.FormatInt(int64(v.AsInt()), 10)
	case vm.TypeLong:
		return strconv.FormatInt(v.AsLong(), 10)
	case vm.TypeFloat:
		return strconv.FormatFloat(float64(v.AsFloat()), 'g', -1, 32)
	case vm.TypeDouble:
		return strconv.FormatFloat(v.AsDouble(), 'g', -1, 64)
	}
	if o := v.AsObject(); o != nil && o.Class() == e.vm.Symbols.String {
		return strconv.Quote(e.vm.GoString(o))
	}
	return v.String()
}
