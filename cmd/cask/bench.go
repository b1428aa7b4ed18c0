package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/cask/vm"
	"github.com/chazu/cask/vm/programs"
)

type benchResult struct {
	name        string
	interpreted time.Duration
	compiled    time.Duration // zero when the program stays interpreted
	reason      string
}

// bench handles `cask bench`, timing each program n times per tier.
func (c *cli) bench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 100, "Iterations per tier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", *n)
	}
	names := fs.Args()
	if len(names) == 0 {
		names = programs.Names()
	}

	// Tiers are chosen explicitly here, so hot methods must not be
	// compiled behind our back.
	cfg := *c.cfg
	enabled := false
	cfg.JIT.Enabled = &enabled
	e, err := newEngine(&cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	var results []benchResult
	for _, name := range names {
		p, err := e.program(name)
		if err != nil {
			return err
		}
		r := benchResult{name: name}
		if r.interpreted, err = timeRuns(e.vm, p, *n); err != nil {
			return err
		}
		if _, err := e.compile(p.Method); err != nil {
			if !errors.Is(err, vm.ErrNotCompilable) {
				return err
			}
			r.reason = "not compilable"
		} else {
			if r.compiled, err = timeRuns(e.vm, p, *n); err != nil {
				return err
			}
			vm.Uninstall(p.Method)
		}
		results = append(results, r)
	}
	return c.benchTable(results, *n, e.vm.Heap.Stats())
}

// timeRuns invokes p n times. Guest faults are part of some programs'
// behaviour and are not errors here.
func timeRuns(v *vm.VM, p *programs.Program, n int) (time.Duration, error) {
	start := time.Now()
	for i := 0; i < n; i++ {
		res, err := v.Invoke(context.Background(), p.Method, p.Args...)
		res.Release()
		if err != nil {
			exc, ok := vm.AsException(err)
			if !ok {
				return 0, err
			}
			exc.Release()
		}
	}
	return time.Since(start), nil
}

func (c *cli) benchTable(results []benchResult, n int, stats vm.HeapStats) error {
	rows := [][]string{{"program", "interpreted/op", "compiled/op", "speedup"}}
	for _, r := range results {
		compiled, speedup := r.reason, "-"
		if r.compiled > 0 {
			compiled = (r.compiled / time.Duration(n)).String()
			speedup = fmt.Sprintf("%.2fx", float64(r.interpreted)/float64(r.compiled))
		}
		rows = append(rows, []string{r.name, (r.interpreted / time.Duration(n)).String(), compiled, speedup})
	}

	if !c.tty {
		for _, row := range rows {
			fmt.Fprintln(c.out, strings.Join(row, "\t"))
		}
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t")+"\t")
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n%s allocations, %s freed, %s live\n",
		humanize.Comma(int64(stats.Allocations)), humanize.Comma(int64(stats.Frees)), humanize.Bytes(uint64(stats.BytesInUse)))
	return nil
}
