package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/cask/vm"
	"github.com/chazu/cask/vm/programs"
)

func (c *cli) list() error {
	for _, name := range programs.Names() {
		fmt.Fprintln(c.out, name)
	}
	return nil
}

// run handles `cask run`.
//
//	cask run sum 10
//	cask run -compiled -trace t.db polygons 1000
func (c *cli) run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	compiled := fs.Bool("compiled", false, "Compile the program before running it")
	tracePath := fs.String("trace", c.cfg.Trace.Database, "Trace database")
	artifactDir := fs.String("artifacts", c.cfg.JIT.ArtifactDir, "Directory for compiled-unit artifacts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("run requires a program name")
	}

	cfg := *c.cfg
	cfg.Trace.Database = *tracePath
	cfg.JIT.ArtifactDir = *artifactDir
	e, err := newEngine(&cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.program(fs.Arg(0))
	if err != nil {
		return err
	}
	callArgs := p.Args
	if fs.NArg() > 1 {
		if callArgs, err = e.parseArgs(p.Desc, fs.Args()[1:]); err != nil {
			return err
		}
	}

	tier := "interpreted"
	if *compiled {
		if _, err := e.compile(p.Method); err != nil {
			if !errors.Is(err, vm.ErrNotCompilable) {
				return err
			}
			tier = "interpreted (" + err.Error() + ")"
		} else {
			tier = "compiled"
		}
	}

	start := time.Now()
	result, err := e.vm.Invoke(context.Background(), p.Method, callArgs...)
	elapsed := time.Since(start)
	defer result.Release()

	outcome := e.format(p.Desc, result)
	if err != nil {
		exc, ok := vm.AsException(err)
		if !ok {
			return err
		}
		outcome = "uncaught " + exc.Error()
		exc.Release()
	}

	stats := e.vm.Heap.Stats()
	rows := [][2]string{
		{"program", p.Method.Key()},
		{"tier", tier},
		{"result", outcome},
		{"time", elapsed.String()},
		{"allocations", humanize.Comma(int64(stats.Allocations))},
		{"live objects", humanize.Comma(stats.LiveObjects)},
		{"heap in use", humanize.Bytes(uint64(stats.BytesInUse))},
	}
	if j := e.vm.JIT(); j != nil {
		rows = append(rows, [2]string{"units compiled", humanize.Comma(int64(j.Stats().MethodsCompiled))})
	}
	return c.table(rows)
}

// table prints key/value rows, aligned on a terminal and tab separated
// otherwise.
func (c *cli) table(rows [][2]string) error {
	if !c.tty {
		for _, r := range rows {
			fmt.Fprintf(c.out, "%s\t%s\n", r[0], r[1])
		}
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}
	return w.Flush()
}
