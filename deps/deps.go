// Package deps extracts the set of files a compile command reads, by
// re-invoking the compiler with its dependency-scan flags and parsing the
// resulting Makefile rule, per spec §1's declared-external input-discovery
// seam (the spec assumes a caller already knows the input set; this
// package is how cmd/recc supplies it).
package deps

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result is the outcome of a dependency scan: the files the command reads.
type Result struct {
	Dependencies []string
}

// Scan re-invokes depsCommand (produced by parsedcommand.Command.DepsCommand)
// and parses its Makefile-rule stdout into a deduplicated file list, in
// order of first appearance.
func Scan(ctx context.Context, depsCommand []string, workingDir string) (Result, error) {
	if len(depsCommand) == 0 {
		return Result{}, errors.New("empty dependency command")
	}
	cmd := exec.CommandContext(ctx, depsCommand[0], depsCommand[1:]...)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, errors.Wrapf(err, "running dependency command %q (stderr: %s)",
			strings.Join(depsCommand, " "), stderr.String())
	}

	return Result{Dependencies: parseMakeRules(stdout.String())}, nil
}

// parseMakeRules extracts the file list from a Makefile dependency rule of
// the form "target: dep1 dep2 \\\n  dep3 ...", ported from the original's
// character-at-a-time state machine (dependencies_from_make_rules).
func parseMakeRules(rules string) []string {
	seen := make(map[string]bool)
	var result []string

	sawColon := false
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			f := current.String()
			if !seen[f] {
				seen[f] = true
				result = append(result, f)
			}
			current.Reset()
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(rules))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// a trailing backslash continues the rule onto the next line; the
		// scanner already stripped the newline, so just keep accumulating
		line = strings.TrimSuffix(line, "\\")

		fields := strings.Fields(line)
		for _, field := range fields {
			if !sawColon {
				if idx := strings.Index(field, ":"); idx >= 0 {
					sawColon = true
					rest := field[idx+1:]
					if rest != "" {
						current.WriteString(rest)
						flush()
					}
					continue
				}
				continue
			}
			current.WriteString(field)
			flush()
		}
	}
	return result
}
