// Package jobrun is the top-level driver: it assembles the initial
// environment from a job spec's imports and overrides, runs the command
// tree, and tears down any temp dir it owns. See spec.md §4.8.
package jobrun

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hashdist/jobrunner/hitbridge"
	"github.com/hashdist/jobrunner/imports"
	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/logmux"
	"github.com/hashdist/jobrunner/store"
	"github.com/hashdist/jobrunner/treeexec"
)

// Config carries the caller-supplied, non-environment build configuration
// serialized into HDIST_CONFIG for the job's commands to read back.
type Config struct {
	NCores int               `json:"ncores"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Run executes spec's command tree to completion. overrideEnv values win
// over anything the import resolution produced; virtuals maps
// "virtual:foo" import ids to concrete artifact ids. cwd is the starting
// working directory. If tempDir is empty, Run creates and owns a scratch
// directory under os.TempDir and removes it on return; if tempDir is
// supplied, the caller owns it and it must be empty.
func Run(logger logging.Logger, st store.Store, spec *jobspec.Node, overrideEnv, virtuals map[string]string, cwd string, cfg Config, tempDir string) (jobspec.Env, error) {
	ownTempDir := tempDir == ""
	if ownTempDir {
		dir, err := makeScratchDir()
		if err != nil {
			return nil, errors.Wrap(err, "creating scratch dir")
		}
		tempDir = dir
	} else {
		entries, err := os.ReadDir(tempDir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading supplied temp dir %s", tempDir)
		}
		if len(entries) > 0 {
			return nil, errors.Errorf("supplied temp dir %s must be empty", tempDir)
		}
	}
	if ownTempDir {
		defer os.RemoveAll(tempDir)
	}

	env, err := imports.Resolve(st, virtuals, spec.Import)
	if err != nil {
		return nil, err
	}

	for k, v := range spec.NohashParams {
		env[k] = v
	}
	for k, v := range overrideEnv {
		env[k] = v
	}
	env["HDIST_VIRTUALS"] = encodeVirtuals(virtuals)

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding HDIST_CONFIG")
	}
	env["HDIST_CONFIG"] = string(configJSON)

	registry := logmux.NewRegistry(tempDir)
	bridge := hitbridge.New(registry)
	state := &treeexec.State{
		TempDir: tempDir,
		Logger:  logger,
		Bridge:  bridge,
	}

	if err := treeexec.RunNode(state, spec, env, cwd, jobspec.NodePos{}); err != nil {
		return nil, err
	}

	// spec.md §3/§9: the runner returns last_env, the node_env of the
	// innermost cmd/hit leaf executed (plus that leaf's to_var binding,
	// if any), not the root scope's env (which
	// never sees mutations or to_var escapes made inside a commands
	// group, since those run in a cloned, discarded subEnv). A spec with
	// no leaves at all (e.g. an empty commands: []) has no last_env, so
	// fall back to the root env.
	if state.LastEnv != nil {
		return state.LastEnv, nil
	}
	return env, nil
}

// makeScratchDir creates a fresh, empty temp dir named after a random
// uuid, replacing the original's tempfile.mkdtemp.
func makeScratchDir() (string, error) {
	name := "hashdist-run-job-" + uuid.NewString()
	dir := os.TempDir() + string(os.PathSeparator) + name
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// encodeVirtuals renders the virtuals mapping as sorted "k=v;k=v" pairs,
// matching the original's deterministic HDIST_VIRTUALS format so the
// value doesn't vary run to run for the same input.
func encodeVirtuals(virtuals map[string]string) string {
	keys := make([]string, 0, len(virtuals))
	for k := range virtuals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + virtuals[k]
	}
	return strings.Join(parts, ";")
}
