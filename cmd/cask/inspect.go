package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/cask/trace"
	"github.com/chazu/cask/vm/artifact"
)

// artifacts handles `cask artifacts [-listing] <dir>`.
func (c *cli) artifacts(args []string) error {
	fs := flag.NewFlagSet("artifacts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listing := fs.Bool("listing", false, "Print each unit's instruction listing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := c.cfg.JIT.ArtifactDir
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if dir == "" {
		return errors.New("artifacts requires a directory")
	}

	ds, err := artifact.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, d := range ds {
		if d.ContentHash() != d.Hash {
			return fmt.Errorf("%s: content hash mismatch", d.Name)
		}
	}
	if !c.tty {
		for _, d := range ds {
			fmt.Fprintf(c.out, "%s\t%s.%s%s\t%d\t%d\t%x\n", d.Name, d.Owner, d.Method, d.Desc, len(d.Constants), d.FailPaths, d.Hash[:8])
		}
		return nil
	}
	for _, d := range ds {
		created := humanize.Time(time.Unix(0, d.Created))
		fmt.Fprintf(c.out, "%s  %s.%s%s  %d constants, %d fail paths, compiled %s\n",
			d.Name, d.Owner, d.Method, d.Desc, len(d.Constants), d.FailPaths, created)
		if *listing {
			fmt.Fprintln(c.out, d.Listing)
		}
	}
	fmt.Fprintf(c.out, "%s units\n", humanize.Comma(int64(len(ds))))
	return nil
}

// trace handles `cask trace [-top N] <db>`.
func (c *cli) trace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	top := fs.Int("top", 10, "Busiest methods to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := c.cfg.Trace.Database
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		return errors.New("trace requires a database path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	sum, err := trace.OpenSummary(path, *top)
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.out, sum.String())
	return err
}
