// Package parsedcommand recognizes compiler invocations and rewrites
// absolute paths to project-root-relative ones, per spec §1's "external
// collaborator" boundary: it does not attempt a full compiler-driver
// grammar, only enough to drive the local dependency scan and fallback
// execution this module supplements.
package parsedcommand

import (
	"path/filepath"
	"strings"
)

// gccFamily and clangFamily are the compiler basenames this package
// recognizes, ported from original CompilerDefaults::getCompilers.
var gccFamily = map[string]bool{
	"gcc": true, "g++": true, "cc": true, "c++": true,
	"gcc-ar": true, "gcc-5": true, "gcc-6": true, "gcc-7": true, "gcc-8": true, "gcc-9": true,
}

var clangFamily = map[string]bool{
	"clang": true, "clang++": true,
}

// inputPathFlags is the set of gcc/clang flags whose argument is a
// filesystem path that should be rewritten relative to workingDir and
// included in the dependency-scan command line.
var inputPathFlags = map[string]bool{
	"-include": true, "-imacros": true, "-I": true, "-iquote": true,
	"-isystem": true, "-idirafter": true, "-iprefix": true, "-isysroot": true,
}

// outputPathFlags redirect the compiler's output; their argument is a
// path but it is not an input and is not added to the deps command.
var outputPathFlags = map[string]bool{
	"-o": true, "-MF": true, "-MT": true, "-MQ": true,
}

// depsInterferenceFlags duplicate what the dependency scan itself adds
// and are left out of DepsCommand, the argv deps.Scan re-invokes; Args
// keeps them.
var depsInterferenceFlags = map[string]bool{
	"-M": true, "-MD": true, "-MMD": true, "-MM": true, "-MG": true, "-MP": true, "-MV": true,
}

// Command is a recognized, rewritten compiler invocation.
type Command struct {
	Args         []string // rewritten argv, paths relative to WorkingDir
	WorkingDir   string
	IsCompile    bool     // saw "-c": a genuine compile, not link/other
	IsClang      bool
	Outputs      []string // paths named by -o/-MF/-MT/-MQ
	DepsCommand  []string // argv this module's deps package re-invokes
}

// Parse recognizes argv as a gcc/clang-family compiler invocation.
// ok is false if the command's basename is not one this package knows how
// to drive a dependency scan for; callers fall back to local execution.
func Parse(argv []string, workingDir string) (cmd Command, ok bool) {
	if len(argv) == 0 {
		return Command{}, false
	}
	base := filepath.Base(argv[0])
	isGcc := gccFamily[base]
	isClang := clangFamily[base]
	if !isGcc && !isClang {
		return Command{}, false
	}

	cmd.WorkingDir = workingDir
	cmd.IsClang = isClang
	rewritten := append([]string(nil), argv...)
	cmd.DepsCommand = append(cmd.DepsCommand, argv[0])

	for i := 1; i < len(rewritten); i++ {
		arg := rewritten[i]

		if depsInterferenceFlags[arg] {
			continue
		}
		if arg == "-c" {
			cmd.IsCompile = true
			cmd.DepsCommand = append(cmd.DepsCommand, arg)
			continue
		}

		if flag, value, combined, hasValue := splitFlagValue(arg, outputPathFlags, rewritten, &i); hasValue {
			value = relativize(value, workingDir)
			cmd.Outputs = append(cmd.Outputs, value)
			if combined {
				rewritten[i] = flag + value
			} else {
				rewritten[i] = value
			}
			continue
		}

		if flag, value, combined, hasValue := splitFlagValue(arg, inputPathFlags, rewritten, &i); hasValue {
			value = relativize(value, workingDir)
			cmd.DepsCommand = append(cmd.DepsCommand, flag, value)
			if combined {
				rewritten[i] = flag + value
			} else {
				rewritten[i] = value
			}
			continue
		}

		if strings.HasPrefix(arg, "-") {
			cmd.DepsCommand = append(cmd.DepsCommand, arg)
			continue
		}

		// a bare argument: likely a source file or other path
		rel := relativize(arg, workingDir)
		rewritten[i] = rel
		cmd.DepsCommand = append(cmd.DepsCommand, rel)
	}

	cmd.DepsCommand = append(cmd.DepsCommand, "-M")

	cmd.Args = rewritten
	return cmd, true
}

// splitFlagValue recognizes both "-flag value" and "-flagvalue" forms for
// flags in set, matching the original's IF_GCC_OPTION_ARGUMENT macro. When
// the flag takes a following argv entry, i is advanced past it and combined
// is false, since the flag and its value remain two separate argv tokens;
// for the "-flagvalue" form combined is true, since the rewrite must keep
// the flag and value fused in the one token.
func splitFlagValue(arg string, set map[string]bool, argv []string, i *int) (flag, value string, combined, ok bool) {
	for f := range set {
		if arg == f {
			if *i+1 < len(argv) {
				*i++
				return f, argv[*i], false, true
			}
			return f, "", false, false
		}
		if strings.HasPrefix(arg, f) && len(arg) > len(f) {
			return f, arg[len(f):], true, true
		}
	}
	return "", "", false, false
}

func relativize(path, workingDir string) string {
	if !strings.HasPrefix(path, "/") || workingDir == "" {
		return path
	}
	rel, err := filepath.Rel(workingDir, path)
	if err != nil {
		return path
	}
	return rel
}
