package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/cask/config"
	"github.com/chazu/cask/vm"
)

func newCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	enabled := false
	cfg.JIT.Enabled = &enabled
	var out bytes.Buffer
	return &cli{cfg: cfg, out: &out}, &out
}

// fields parses tab separated key/value output.
func fields(out string) map[string]string {
	m := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if k, v, ok := strings.Cut(line, "\t"); ok {
			m[k] = v
		}
	}
	return m
}

func TestList(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("list", nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"sum", "sieve", "polygons"} {
		if !strings.Contains(out.String(), name+"\n") {
			t.Errorf("list missing %s:\n%s", name, out)
		}
	}
}

func TestRunWithArgs(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("run", []string{"sum", "10"}); err != nil {
		t.Fatal(err)
	}
	got := fields(out.String())
	if got["result"] != "55" {
		t.Errorf("result = %q, want 55\n%s", got["result"], out)
	}
	if got["tier"] != "interpreted" {
		t.Errorf("tier = %q", got["tier"])
	}
	if !strings.HasSuffix(got["program"], "sum(I)I") {
		t.Errorf("program = %q", got["program"])
	}
}

func TestRunCompiled(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("run", []string{"-compiled", "fib", "10"}); err != nil {
		t.Fatal(err)
	}
	got := fields(out.String())
	if got["result"] != "55" || got["tier"] != "compiled" {
		t.Errorf("fib(10) = %q on %q", got["result"], got["tier"])
	}
}

func TestRunNotCompilableStaysInterpreted(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("run", []string{"-compiled", "safeDiv", "9", "3"}); err != nil {
		t.Fatal(err)
	}
	got := fields(out.String())
	if got["result"] != "3" || !strings.HasPrefix(got["tier"], "interpreted (") {
		t.Errorf("safeDiv = %q on %q", got["result"], got["tier"])
	}
}

func TestRunReportsGuestFault(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("run", []string{"sieve", "-5"}); err != nil {
		t.Fatal(err)
	}
	if got := fields(out.String())["result"]; !strings.HasPrefix(got, "uncaught java/lang/NegativeArraySizeException") {
		t.Errorf("result = %q", got)
	}
}

func TestRunString(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("run", []string{"greeting"}); err != nil {
		t.Fatal(err)
	}
	if got := fields(out.String())["result"]; got != `"hello from cask"` {
		t.Errorf("result = %q", got)
	}
}

func TestRunErrors(t *testing.T) {
	c, _ := newCLI(t)
	for _, args := range [][]string{
		{},
		{"nosuch"},
		{"sum", "1", "2"},
		{"sum", "x"},
	} {
		if err := c.dispatch("run", args); err == nil {
			t.Errorf("run %v should fail", args)
		}
	}
	if err := c.dispatch("launch", nil); err == nil {
		t.Error("unknown command should fail")
	}
}

func TestRunWritesTraceAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "trace.db")
	units := filepath.Join(dir, "units")

	c, _ := newCLI(t)
	// Compiling through the JIT is what reports the unit to the tracer.
	enabled := true
	c.cfg.JIT.Enabled = &enabled
	c.cfg.JIT.Threshold = 1 << 20
	if err := c.dispatch("run", []string{"-compiled", "-trace", db, "-artifacts", units, "polygons", "10"}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	c.out = &out
	if err := c.dispatch("trace", []string{db}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "compiled units: 1") {
		t.Errorf("trace summary:\n%s", out.String())
	}

	out.Reset()
	if err := c.dispatch("artifacts", []string{units}); err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(out.String())
	if !strings.Contains(line, "demo/Programs.polygons(I)I") || strings.Count(line, "\n") != 0 {
		t.Errorf("artifacts:\n%s", line)
	}
}

func TestTraceMissingDatabase(t *testing.T) {
	c, _ := newCLI(t)
	if err := c.dispatch("trace", []string{filepath.Join(t.TempDir(), "none.db")}); err == nil {
		t.Error("missing database should fail")
	}
}

func TestBench(t *testing.T) {
	c, out := newCLI(t)
	if err := c.dispatch("bench", []string{"-n", "2", "sum", "safeDiv"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("bench output:\n%s", out.String())
	}
	if !strings.HasPrefix(lines[1], "sum\t") || strings.HasSuffix(lines[1], "\t-") {
		t.Errorf("sum row = %q, want a compiled timing", lines[1])
	}
	if !strings.Contains(lines[2], "not compilable") {
		t.Errorf("safeDiv row = %q", lines[2])
	}
}

func TestPrintConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cask.toml")
	if err := os.WriteFile(path, []byte("[heap]\nlimit = 4096\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	c := &cli{cfg: cfg, out: &out}
	if err := c.dispatch("config", nil); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.HasPrefix(text, "# "+cfg.Path) || !strings.Contains(text, "limit = 4096") {
		t.Errorf("config output:\n%s", text)
	}
}

func TestFormat(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.JITEnabled = false
	v, err := vm.NewVM(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	e := &engine{vm: v}

	cases := []struct {
		desc string
		v    vm.Value
		want string
	}{
		{"()V", vm.Null, "void"},
		{"()Z", vm.Bool(true), "true"},
		{"()C", vm.Int('A'), "'A'"},
		{"()I", vm.Int(-3), "-3"},
		{"()J", vm.Long(1 << 40), "1099511627776"},
		{"()D", vm.Double(0.5), "0.5"},
		{"()Ljava/lang/Object;", vm.Null, "null"},
	}
	for _, tc := range cases {
		if got := e.format(tc.desc, tc.v); got != tc.want {
			t.Errorf("format(%s, %v) = %q, want %q", tc.desc, tc.v, got, tc.want)
		}
	}

	args, err := e.parseArgs("(IJZLjava/lang/String;)V", []string{"0x10", "-9", "true", "word"})
	if err != nil {
		t.Fatal(err)
	}
	if args[0].AsInt() != 16 || args[1].AsLong() != -9 || !args[2].AsBool() || v.GoString(args[3].AsObject()) != "word" {
		t.Errorf("parsed %v", args)
	}
	if _, err := e.parseArgs("([I)V", []string{"1"}); err == nil {
		t.Error("array arguments should be rejected")
	}
}
