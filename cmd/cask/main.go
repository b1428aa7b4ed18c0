// Cask CLI - runs the bundled guest programs and inspects engine output
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/chazu/cask/config"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: nearest cask.toml or cask.yaml)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cask [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs guest programs on the cask engine and inspects what it records.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list                       List bundled programs\n")
		fmt.Fprintf(os.Stderr, "  run <program> [args...]    Run a program once\n")
		fmt.Fprintf(os.Stderr, "  bench [programs...]        Time programs interpreted and compiled\n")
		fmt.Fprintf(os.Stderr, "  config                     Print the effective configuration\n")
		fmt.Fprintf(os.Stderr, "  artifacts <dir>            List compiled-unit artifacts\n")
		fmt.Fprintf(os.Stderr, "  trace <db>                 Summarize a trace database\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cask run sieve 100000          # Count primes below 100000\n")
		fmt.Fprintf(os.Stderr, "  cask run -compiled fib 50      # Compile fib before running it\n")
		fmt.Fprintf(os.Stderr, "  cask bench -n 200 sum polygons # Compare execution tiers\n")
		fmt.Fprintf(os.Stderr, "  cask -config ci.yaml config    # Show a config file with defaults applied\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *verbose && cfg.Logging.Verbosity < 1 {
		cfg.Logging.Verbosity = 1
	}
	cfg.Apply()

	app := &cli{cfg: cfg, out: os.Stdout, tty: isTerminal(os.Stdout)}
	if err := app.dispatch(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// cli carries what every command needs. tty selects aligned, human
// oriented output over tab-separated lines.
type cli struct {
	cfg *config.Config
	out io.Writer
	tty bool
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "list":
		return c.list()
	case "run":
		return c.run(args)
	case "bench":
		return c.bench(args)
	case "config":
		return c.printConfig()
	case "artifacts":
		return c.artifacts(args)
	case "trace":
		return c.trace(args)
	}
	return fmt.Errorf("unknown command %q (try cask -h)", cmd)
}

func (c *cli) printConfig() error {
	text, err := c.cfg.Encode()
	if err != nil {
		return err
	}
	if c.cfg.Path != "" {
		fmt.Fprintf(c.out, "# %s\n", c.cfg.Path)
	} else {
		fmt.Fprintln(c.out, "# defaults")
	}
	_, err = io.WriteString(c.out, text)
	return err
}
