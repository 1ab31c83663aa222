// Package procrun spawns child processes for the job runner, wiring
// their stdio through the log multiplexer and surfacing exit status per
// spec.md §4.5 and §4.4's fatal conditions.
package procrun

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/logmux"
)

// ErrExecutableNotFound distinguishes "not in PATH" from "bad direct
// path" per spec.md §4.4.
type ErrExecutableNotFound struct {
	Name    string
	InPath  bool
	Cwd     string
}

func (e *ErrExecutableNotFound) Error() string {
	if e.InPath {
		return "command \"" + e.Name + "\" not found in $PATH (cwd: " + e.Cwd + ")"
	}
	return "command \"" + e.Name + "\" not found (cwd: " + e.Cwd + ")"
}

// ErrCommandFailed is returned when the child exits with a non-zero
// status.
type ErrCommandFailed struct {
	Args     []string
	ExitCode int
}

func (e *ErrCommandFailed) Error() string {
	return "command failed (code=" + itoa(e.ExitCode) + "): " + strings.Join(e.Args, " ")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// Spec describes one process invocation.
type Spec struct {
	Args   []string
	Env    jobspec.Env
	Cwd    string
	Logger logging.Logger

	// StdoutSink, if non-nil, captures stdout bytes verbatim instead
	// of logging them line-by-line (the to_var / append_to_file case).
	StdoutSink interface{ Write([]byte) (int, error) }

	// FIFOSources are pre-opened log FIFO fds the multiplexer should
	// also drain for the lifetime of this child.
	FIFOSources []logmux.Source
}

// Run spawns the child described by spec, drains its output through the
// log multiplexer, and waits for it to exit. A non-zero exit status is
// reported as *ErrCommandFailed; a missing executable is reported as
// *ErrExecutableNotFound.
func Run(spec Spec) error {
	if len(spec.Args) == 0 {
		return &jobspec.ErrInvalidJobSpec{Msg: "empty command"}
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = envToSlice(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "creating stderr pipe")
	}

	spec.Logger.Debug("running " + strings.Join(spec.Args, " "))
	spec.Logger.Debug("cwd: " + spec.Cwd)

	if err := cmd.Start(); err != nil {
		return classifyStartError(err, spec.Args[0], spec.Cwd)
	}

	stdoutFd := int(stdoutPipe.(*os.File).Fd())
	stderrFd := int(stderrPipe.(*os.File).Fd())

	mux := logmux.New(stdoutFd, stderrFd, spec.Logger, spec.Logger, spec.FIFOSources, spec.StdoutSink)

	var exited atomic.Bool
	waitErrCh := make(chan error, 1)
	var g errgroup.Group
	g.Go(func() error {
		err := cmd.Wait()
		exited.Store(true)
		waitErrCh <- err
		return nil
	})

	muxErr := mux.Run(func() bool { return exited.Load() })
	g.Wait()
	waitErr := <-waitErrCh

	if muxErr != nil {
		return errors.Wrap(muxErr, "draining process output")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errorsAsExitError(waitErr, &exitErr) {
			return &ErrCommandFailed{Args: spec.Args, ExitCode: exitErr.ExitCode()}
		}
		return errors.Wrap(waitErr, "waiting for process")
	}
	return nil
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func classifyStartError(err error, name, cwd string) error {
	var pathErr *exec.Error
	if e, ok := err.(*exec.Error); ok {
		pathErr = e
	}
	if pathErr != nil && pathErr.Err == exec.ErrNotFound {
		return &ErrExecutableNotFound{Name: name, InPath: !strings.Contains(name, string(filepath.Separator)), Cwd: cwd}
	}
	if os.IsNotExist(err) {
		return &ErrExecutableNotFound{Name: name, InPath: !strings.Contains(name, string(filepath.Separator)), Cwd: cwd}
	}
	return errors.Wrap(err, "starting process")
}

// envToSlice renders a jobspec.Env as a NAME=VALUE slice for exec.Cmd.
// The ambient OS environment is never inherited, per spec.md §4.2: Env
// is exactly what the job spec produced.
func envToSlice(env jobspec.Env) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

