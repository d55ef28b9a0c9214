// Wren CLI - loads compiled module bundles and runs an entry function.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/wren/manifest"
	"github.com/chazu/wren/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	entry := flag.String("entry", "main:start", "Entry point as module:function (arity 0)")
	workers := flag.Int("workers", 0, "Scheduler worker count (overrides wren.toml)")
	configDir := flag.String("config", "", "Directory containing wren.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wren [options] bundle-or-module files...\n\n")
		fmt.Fprintf(os.Stderr, "Loads compiled modules and runs the entry function.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  wren app.wrnb                    # Run main:start from a bundle\n")
		fmt.Fprintf(os.Stderr, "  wren -entry app:boot app.wrnb    # Run a different entry point\n")
		fmt.Fprintf(os.Stderr, "  wren -workers 4 app.wrnb         # Override the scheduler width\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cfg := loadConfig(*configDir)
	if *workers > 0 {
		cfg.Workers = *workers
	}

	m := vm.NewMachine(cfg)
	for _, path := range flag.Args() {
		if err := loadFile(m, path, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	modName, fnName, ok := strings.Cut(*entry, ":")
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: entry point must be module:function, got %q\n", *entry)
		os.Exit(1)
	}

	m.Start()
	defer m.Stop()

	pid, done, err := m.Spawn(modName, fnName, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Spawned %s:%s as process %d\n", modName, fnName, pid)
	}

	reason := <-done
	if reason.Kind == vm.TermAtom && reason.Atom == "normal" {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Process exited abnormally: %s\n", reason)
	os.Exit(2)
}

// loadConfig resolves the machine configuration: an explicit -config
// directory must hold a wren.toml; otherwise the manifest is searched
// upward from the working directory and defaults apply when none exists.
func loadConfig(dir string) vm.Config {
	if dir != "" {
		mf, err := manifest.Load(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return mf.ToConfig()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return vm.DefaultConfig()
	}
	mf, err := manifest.FindAndLoad(cwd)
	if err != nil || mf == nil {
		return vm.DefaultConfig()
	}
	return mf.ToConfig()
}

// loadFile loads a bundle or a single compiled module, dispatching on
// the magic bytes.
func loadFile(m *vm.Machine, path string, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) >= 4 && string(data[:4]) == "WRNB" {
		mods, build, err := m.LoadBundle(data)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("Loaded bundle %s (%d modules, build %s)\n", path, len(mods), build)
		}
		return nil
	}
	mod, err := m.LoadModule(data)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Loaded module %s from %s\n", mod.Name, path)
	}
	return nil
}
