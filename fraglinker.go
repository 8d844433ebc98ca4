package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/stdr"
	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/linker"
)

var version string

const usage = `Usage: %s [options] file...
Options:
  -o, --output FILE          write the output to FILE (default a.out)
  -m EMULATION               elf_x86_64, elf_i386 or elf64lriscv
  --mtriple TRIPLE           target triple
  -shared                    build a shared object
  -r, --relocatable          build a relocatable object
  -pie, -no-pie              build a position independent executable
  -static, -Bdynamic         do not link against shared objects
  -L DIR, -l NAME            library search path and library
  --sysroot DIR              prefix for "=" library paths
  -e, --entry SYMBOL         entry point (default _start)
  -soname NAME               DT_SONAME of a shared object
  --dynamic-linker FILE      program interpreter
  -E, --export-dynamic       export every global symbol
  -Bsymbolic                 bind global references locally
  -z defs, -z muldefs        undefined and duplicate symbol policy
  --no-relax                 skip linker relaxation
  --error-limit N            stop printing errors after N
  --warning-limit N          stop printing warnings after N
  -t, --trace                print every input file
  -V, --verbose              log each phase
  @FILE                      read options from FILE
`

func main() {
	prog := filepath.Base(os.Args[0])
	args, err := linker.ExpandResponseFiles(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(1)
	}

	cfg := linker.NewLinkerConfig()
	remaining, err := linker.ParseArgs(cfg, args)
	switch err {
	case nil:
	case linker.ErrShowHelp:
		fmt.Printf(usage, prog)
		os.Exit(0)
	case linker.ErrShowVersion:
		fmt.Printf("%s %s\n", prog, version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(1)
	}
	if len(remaining) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no input files\n", prog)
		os.Exit(1)
	}

	// without -m the first object file decides the target
	if cfg.Machine == linker.MachineTypeNone && cfg.Triple == "" {
		for _, name := range remaining {
			if strings.HasPrefix(name, "-") {
				continue
			}
			file, err := linker.NewFile(name)
			if err != nil {
				continue
			}
			if mType := linker.GetMachineTypeFromContent(file.Content); mType != linker.MachineTypeNone {
				cfg.Machine = mType
				break
			}
		}
	}

	logger := stdr.New(log.New(os.Stderr, prog+": ", 0))
	if cfg.Options.Verbose {
		stdr.SetVerbosity(2)
	}

	l := linker.NewLinker(cfg, logger)
	ok := l.Link(remaining)

	engine := l.Diagnostics()
	engine.Flush(&diag.TextPrinter{W: os.Stderr, Prog: prog})
	if !ok || engine.HasError() {
		os.Exit(1)
	}
}
