package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hcyang1106/fraglinker/pkg/utils"
	"github.com/kballard/go-shellquote"
)

// ExpandResponseFiles replaces every @file argument with the shell-split
// contents of that file. Response files may nest.
func ExpandResponseFiles(args []string) ([]string, error) {
	return expandResponseFiles(args, 0)
}

func expandResponseFiles(args []string, depth int) ([]string, error) {
	if depth > 16 {
		return nil, fmt.Errorf("response files nested too deeply")
	}

	res := make([]string, 0, len(args))
	for _, arg := range args {
		path, ok := utils.RemovePrefix(arg, "@")
		if !ok {
			res = append(res, arg)
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read response file: %w", err)
		}
		words, err := shellquote.Split(string(content))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		expanded, err := expandResponseFiles(words, depth+1)
		if err != nil {
			return nil, err
		}
		res = append(res, expanded...)
	}
	return res, nil
}

// ErrShowHelp and ErrShowVersion stop argument parsing without being
// failures.
var (
	ErrShowHelp    = fmt.Errorf("help requested")
	ErrShowVersion = fmt.Errorf("version requested")
)

// ParseArgs fills cfg from command line options. Input files and -l
// options are returned in order for the normalize phase.
func ParseArgs(cfg *LinkerConfig, args []string) ([]string, error) {
	arg := ""
	var err error

	// "-o a.out", "-oa.out", "--output=a.out"
	readArg := func(name string) bool {
		for _, opt := range utils.AddDashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					err = fmt.Errorf("option -%s: argument missing", name)
					args = args[1:]
					return true
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range utils.AddDashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	readInt := func(name string) (int, bool) {
		if !readArg(name) {
			return 0, false
		}
		n, convErr := strconv.Atoi(arg)
		if convErr != nil && err == nil {
			err = fmt.Errorf("option -%s: %w", name, convErr)
		}
		return n, true
	}

	remaining := make([]string, 0)
	for len(args) > 0 && err == nil {
		if readFlag("help") {
			return nil, ErrShowHelp
		}

		if n, ok := readInt("error-limit"); ok {
			cfg.Options.ErrorLimit = n
		} else if n, ok := readInt("warning-limit"); ok {
			cfg.Options.WarningLimit = n
		} else if readArg("output") || readArg("o") {
			cfg.Output = arg
		} else if readFlag("v") || readFlag("version") {
			return nil, ErrShowVersion
		} else if readArg("mtriple") {
			cfg.Triple = arg
			cfg.Machine = MachineTypeFromTriple(arg)
		} else if readArg("m") {
			cfg.Machine = MachineTypeFromEmulation(arg)
			if cfg.Machine == MachineTypeNone {
				err = fmt.Errorf("unknown -m argument: %s", arg)
			}
		} else if readArg("library-path") || readArg("L") {
			cfg.LibraryPaths = append(cfg.LibraryPaths, arg)
		} else if readArg("library") || readArg("l") {
			remaining = append(remaining, "-l"+arg)
		} else if readArg("sysroot") {
			cfg.Sysroot = arg
		} else if readFlag("export-dynamic") || readFlag("E") {
			cfg.Options.ExportDynamic = true
		} else if readFlag("eh-frame-hdr") || readArg("hash-style") {
			// Ignored
		} else if readArg("entry") || readArg("e") {
			cfg.Entry = arg
		} else if readArg("soname") || readArg("h") {
			cfg.Soname = arg
		} else if readArg("dynamic-linker") || readArg("I") {
			cfg.DynamicLinker = arg
		} else if readFlag("shared") || readFlag("Bshareable") {
			cfg.CodeGenType = CodeGenDynObj
		} else if readFlag("r") || readFlag("relocatable") {
			cfg.CodeGenType = CodeGenObject
		} else if readFlag("pie") || readFlag("pic-executable") {
			cfg.Options.PIE = true
		} else if readFlag("no-pie") {
			cfg.Options.PIE = false
		} else if readFlag("static") || readFlag("Bstatic") {
			cfg.Options.Static = true
		} else if readFlag("Bdynamic") {
			cfg.Options.Static = false
		} else if readFlag("Bsymbolic") {
			cfg.Options.Bsymbolic = true
		} else if readFlag("s") || readFlag("strip-all") {
			cfg.Options.StripAll = true
		} else if readFlag("t") || readFlag("trace") {
			cfg.Options.Trace = true
		} else if readFlag("V") || readFlag("verbose") {
			cfg.Options.Verbose = true
		} else if readFlag("no-relax") {
			cfg.Options.NoRelax = true
		} else if readFlag("no-undefined") {
			cfg.Options.NoUndefined = true
		} else if readFlag("allow-multiple-definition") {
			cfg.Options.AllowMultipleDefinition = true
		} else if readArg("z") {
			switch arg {
			case "defs":
				cfg.Options.NoUndefined = true
			case "muldefs":
				cfg.Options.AllowMultipleDefinition = true
			}
		} else if readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("no-as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readFlag("(") ||
			readFlag(")") ||
			readFlag("build-id") ||
			readArg("build-id") ||
			readFlag("relax") ||
			readFlag("gc-sections") ||
			readFlag("no-gc-sections") {
			// Ignored
		} else {
			if args[0][0] == '-' && args[0] != "-" {
				return nil, fmt.Errorf("unknown command line option: %s", args[0])
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}
	if err != nil {
		return nil, err
	}

	for i, path := range cfg.LibraryPaths {
		cfg.LibraryPaths[i] = filepath.Clean(sysrootPath(cfg, path))
	}
	return remaining, nil
}

// "=/usr/lib" and "$SYSROOT/usr/lib" are relative to --sysroot
func sysrootPath(cfg *LinkerConfig, path string) string {
	if rest, ok := utils.RemovePrefix(path, "="); ok {
		return filepath.Join(cfg.Sysroot, rest)
	}
	if rest, ok := utils.RemovePrefix(path, "$SYSROOT"); ok {
		return filepath.Join(cfg.Sysroot, rest)
	}
	return path
}
