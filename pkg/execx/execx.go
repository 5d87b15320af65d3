// Package `execx` provides utility functions that supplement the stdlib
// package `os/exec`.
//
// `MustLookTool()` reliably locates external command line tools during
// program startup.  `Argv` wraps configured collaborator commands whose exit
// status carries meaning for the caller.
package execx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// `ToolSpec` is used to tell `MustLookTool()` how to look for an external
// tool.
type ToolSpec struct {
	Program   string
	CheckArgs []string
	CheckText string
}

type Tool struct {
	Path string
}

func LookTool(s ToolSpec) (*Tool, error) {
	path, err := exec.LookPath(s.Program)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to find path of `%s`: %v", s.Program, err,
		)
	}

	o, err := exec.Command(path, s.CheckArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf(
			"failed to execute `%s %s`: %v", path,
			strings.Join(s.CheckArgs, ", "), err,
		)
	}
	if !strings.Contains(string(o), s.CheckText) {
		return nil, fmt.Errorf(
			"`%s %s` did not print `%s`.", s.Program,
			strings.Join(s.CheckArgs, ", "), s.CheckText,
		)
	}

	return &Tool{path}, nil
}

// `MustLookTool()` tries to run `s.Program` with `s.CheckArgs` and verifies
// that its output contains `s.CheckText`.  If anything fails,
// `MustLookTool()` panics.
func MustLookTool(s ToolSpec) *Tool {
	t, err := LookTool(s)
	if err != nil {
		msg := fmt.Sprintf("%v", err)
		panic(msg)
	}
	return t
}

// `Argv` is a configured external command line, program first.  The zero
// value means "not configured".
type Argv []string

func (a Argv) IsZero() bool {
	return len(a) == 0
}

// `Command()` builds an `exec.Cmd` from the argv with `extra` appended.  The
// caller wires stdio and runs it.
func (a Argv) Command(ctx context.Context, extra ...string) *exec.Cmd {
	args := append(append([]string(nil), a[1:]...), extra...)
	return exec.CommandContext(ctx, a[0], args...)
}

// `ExitCode()` maps a `Run()` error to the child exit status: 0 on nil, the
// child's status for `exec.ExitError`, and -1 if the child did not run or
// did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	exit, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	return exit.ExitCode()
}
