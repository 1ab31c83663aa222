// Package treeexec recursively interprets a job spec's command tree,
// threading and scoping the environment exactly as spec.md §4.7
// describes: commands groups push a cloned scope that is discarded on
// exit, env-mutator nodes and to_var captures mutate the current scope
// in place so later siblings observe them.
package treeexec

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hashdist/jobrunner/hitbridge"
	"github.com/hashdist/jobrunner/inputs"
	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/procrun"
	"github.com/hashdist/jobrunner/subst"
)

// ErrRedirectionIntoTempDir is returned when an append_to_file target
// resolves to a path inside the executor's temp dir, which would make
// the job spec's hash depend on its own scratch output.
type ErrRedirectionIntoTempDir struct {
	Path string
}

func (e *ErrRedirectionIntoTempDir) Error() string {
	return "append_to_file target is inside the temp dir: " + e.Path
}

// State holds everything a node needs to run that isn't part of the
// scoped environment itself: where to materialize inputs, how to spawn
// processes and dispatch in-process hit commands, and the logger each
// node's output is routed through.
//
// LastEnv/LastCwd are the runner state spec.md §3/§9 describes: the
// node_env/node_cwd of the innermost cmd/hit leaf executed so far,
// regardless of how deeply it's nested inside commands groups, plus that
// leaf's to_var binding when it has one. Every
// commands group discards its own cloned scope on exit, so this is the
// only place that value survives the recursion.
type State struct {
	TempDir string
	Logger  logging.Logger
	Bridge  *hitbridge.Bridge

	LastEnv jobspec.Env
	LastCwd string
}

// RunNode executes n against env (mutated in place by mutator/to_var
// nodes) and cwd, recursing into children for commands nodes. pos
// addresses n in the tree, used to name materialized input files.
func RunNode(state *State, n *jobspec.Node, env jobspec.Env, cwd string, pos jobspec.NodePos) error {
	switch n.Action {
	case jobspec.ActionCommands:
		return runCommands(state, n, env, cwd, pos)
	case jobspec.ActionCmd, jobspec.ActionHit:
		return runLeaf(state, n, env, cwd, pos)
	case jobspec.ActionSet, jobspec.ActionPrependPath, jobspec.ActionAppendPath,
		jobspec.ActionPrependFlag, jobspec.ActionAppendFlag:
		return runMutator(n, env)
	default:
		return &jobspec.ErrInvalidJobSpec{Msg: "node has no recognized action"}
	}
}

func runCommands(state *State, n *jobspec.Node, env jobspec.Env, cwd string, pos jobspec.NodePos) error {
	subEnv := env.Clone()
	groupCwd, err := resolveCwd(n, subEnv, cwd)
	if err != nil {
		return err
	}
	for i, child := range n.Commands {
		if err := RunNode(state, child, subEnv, groupCwd, pos.Child(i)); err != nil {
			return errors.Wrapf(err, "command %d", i)
		}
	}
	return nil
}

func runMutator(n *jobspec.Node, env jobspec.Env) error {
	value, err := subst.Substitute(n.Value, env)
	if err != nil {
		return errors.Wrap(err, "substituting mutator value")
	}

	switch n.Action {
	case jobspec.ActionSet:
		env[n.VarName] = value
	case jobspec.ActionPrependPath:
		env[n.VarName] = joinNonEmpty(string(os.PathListSeparator), value, env[n.VarName])
	case jobspec.ActionAppendPath:
		env[n.VarName] = joinNonEmpty(string(os.PathListSeparator), env[n.VarName], value)
	case jobspec.ActionPrependFlag:
		env[n.VarName] = joinNonEmpty(" ", value, env[n.VarName])
	case jobspec.ActionAppendFlag:
		env[n.VarName] = joinNonEmpty(" ", env[n.VarName], value)
	}
	return nil
}

func joinNonEmpty(sep, a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + sep + b
}

func runLeaf(state *State, n *jobspec.Node, env jobspec.Env, cwd string, pos jobspec.NodePos) error {
	leafCwd, err := resolveCwd(n, env, cwd)
	if err != nil {
		return err
	}

	nodeEnv := env.Clone()
	inputBindings, err := inputs.Materialize(state.TempDir, pos, n.Inputs)
	if err != nil {
		return errors.Wrap(err, "materializing inputs")
	}
	for k, v := range inputBindings {
		nodeEnv[k] = v
	}

	state.LastEnv = nodeEnv.Clone()
	state.LastCwd = leafCwd

	var capture *bytes.Buffer
	var sink io.Writer
	if n.ToVar != "" || n.AppendToFile != "" {
		capture = &bytes.Buffer{}
		sink = capture
	}

	var appendPath string
	if n.AppendToFile != "" {
		substituted, err := subst.Substitute(n.AppendToFile, nodeEnv)
		if err != nil {
			return errors.Wrap(err, "substituting append_to_file")
		}
		if !filepath.IsAbs(substituted) {
			substituted = filepath.Join(leafCwd, substituted)
		}
		appendPath = canonicalize(substituted)
		if isWithinDir(appendPath, canonicalize(state.TempDir)) {
			return &ErrRedirectionIntoTempDir{Path: appendPath}
		}
	}

	sub := state.Logger.GetSubLogger(nodePosLabel(pos))

	switch n.Action {
	case jobspec.ActionCmd:
		args, err := subst.SubstituteAll(n.Cmd, nodeEnv)
		if err != nil {
			return errors.Wrap(err, "substituting cmd arguments")
		}
		fifos, err := state.Bridge.Registry.OpenAll(func(heading string) logging.Logger {
			return state.Logger.GetSubLogger(heading)
		})
		if err != nil {
			return errors.Wrap(err, "opening log fifos")
		}
		if err := procrun.Run(procrun.Spec{
			Args:        args,
			Env:         nodeEnv,
			Cwd:         leafCwd,
			Logger:      sub,
			StdoutSink:  sink,
			FIFOSources: fifos,
		}); err != nil {
			return err
		}
	case jobspec.ActionHit:
		args, err := subst.SubstituteAll(n.Hit, nodeEnv)
		if err != nil {
			return errors.Wrap(err, "substituting hit arguments")
		}
		if sink == nil {
			sink = io.Discard
		}
		if err := state.Bridge.Dispatch(args, nodeEnv, sub, sink); err != nil {
			return err
		}
	}

	if n.ToVar != "" {
		env[n.ToVar] = strings.TrimSpace(capture.String())
		state.LastEnv[n.ToVar] = env[n.ToVar]
	}
	if n.AppendToFile != "" {
		f, err := os.OpenFile(appendPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "opening append_to_file target %s", appendPath)
		}
		defer f.Close()
		if _, err := f.Write(capture.Bytes()); err != nil {
			return errors.Wrapf(err, "writing append_to_file target %s", appendPath)
		}
	}
	return nil
}

func resolveCwd(n *jobspec.Node, env jobspec.Env, parentCwd string) (string, error) {
	if n.Cwd == "" {
		return parentCwd, nil
	}
	substituted, err := subst.Substitute(n.Cwd, env)
	if err != nil {
		return "", errors.Wrap(err, "substituting cwd")
	}
	if filepath.IsAbs(substituted) {
		return substituted, nil
	}
	return filepath.Join(parentCwd, substituted), nil
}

// canonicalize resolves path to an absolute, symlink-free form so the
// temp-dir guard on append_to_file can't be bypassed by a relative path
// or a symlink that points back into the temp dir. If path (or its
// parent) doesn't exist yet, its nearest existing ancestor is resolved and
// the remaining components are joined on literally.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		if filepath.Dir(dir) == dir {
			return abs
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func nodePosLabel(pos jobspec.NodePos) string {
	parts := make([]string, len(pos))
	for i, p := range pos {
		parts[i] = itoa(p)
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, ".")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
