// Package hitbridge dispatches "hit" job-spec nodes in-process, without
// spawning a child, per spec.md §4.6. It implements logpipe (the FIFO
// handshake used by external tools to pipe output into the job's log)
// plus a small built-in command set (see SPEC_FULL.md §7) that exercises
// the same dispatch path.
package hitbridge

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/logmux"
)

// ErrUnknownCommand is returned for an unrecognized hit subcommand.
type ErrUnknownCommand struct {
	Name string
}

func (e *ErrUnknownCommand) Error() string { return "unknown hit command: " + e.Name }

// ErrMalformedArgs is returned when a hit subcommand's argv doesn't match
// its expected shape.
type ErrMalformedArgs struct {
	Msg string
}

func (e *ErrMalformedArgs) Error() string { return "malformed hit arguments: " + e.Msg }

// Bridge dispatches in-process "hit" invocations. Registry tracks log
// FIFOs across the whole job run (shared with the logmux package).
type Bridge struct {
	Registry *logmux.Registry
}

// New creates a Bridge backed by the given FIFO registry.
func New(reg *logmux.Registry) *Bridge {
	return &Bridge{Registry: reg}
}

// Dispatch runs one "hit" node's argv in-process. stdout receives
// anything the command would normally print on its own stdout (used for
// to_var/append_to_file capture, exactly like a spawned process would);
// logger receives anything the command logs about its own progress.
func (b *Bridge) Dispatch(argv []string, env map[string]string, logger logging.Logger, stdout io.Writer) error {
	if len(argv) == 0 {
		return &ErrMalformedArgs{Msg: "empty hit command"}
	}

	if argv[0] == "logpipe" {
		return b.logpipe(argv[1:], logger, stdout)
	}

	// While a built-in runs, a logger above DEBUG is raised to WARNING to
	// suppress its INFO chatter; the level is restored on return, including
	// on failure.
	if old := logger.GetLevel(); old < logging.Debug && old > logging.Warning {
		logger.SetLevel(logging.Warning)
		defer logger.SetLevel(old)
	}

	switch argv[0] {
	case "build-write-files":
		return BuildWriteFiles(argv[1:], env, logger)
	case "create-links":
		return CreateLinks(argv[1:], env, logger)
	default:
		return &ErrUnknownCommand{Name: argv[0]}
	}
}

// logpipe implements "hit logpipe HEADING LEVEL": it ensures a FIFO
// exists for (HEADING, LEVEL), prints its path to stdout for the caller
// to redirect into, and returns. The FIFO is read by the multiplexer,
// not by this call. Per spec.md §4.6, when the outer logger's level is
// above DEBUG, log lines arriving on this pipe are raised to WARNING so
// they aren't silently dropped by a logger configured to skip debug-level
// noise.
func (b *Bridge) logpipe(args []string, logger logging.Logger, stdout io.Writer) error {
	if len(args) != 2 {
		return &ErrMalformedArgs{Msg: "logpipe requires exactly HEADING and LEVEL"}
	}
	heading, levelName := args[0], args[1]
	level, ok := logging.ParseLevel(levelName)
	if !ok {
		return &ErrMalformedArgs{Msg: "unknown log level: " + levelName}
	}

	effectiveLevel := level
	if logger.GetLevel() < logging.Debug && effectiveLevel > logging.Warning {
		effectiveLevel = logging.Warning
	}

	path, err := b.Registry.GetOrCreate(heading, effectiveLevel)
	if err != nil {
		return errors.Wrap(err, "creating log pipe")
	}

	if _, err := io.WriteString(stdout, path+"\n"); err != nil {
		return errors.Wrap(err, "writing log pipe path")
	}
	return nil
}

// BuildWriteFiles implements "hit build-write-files MANIFEST.json
// DESTDIR": MANIFEST.json maps relative paths to file contents; every
// entry is written under DESTDIR, creating parent directories as needed.
func BuildWriteFiles(args []string, env map[string]string, logger logging.Logger) error {
	if len(args) != 2 {
		return &ErrMalformedArgs{Msg: "build-write-files requires MANIFEST and DESTDIR"}
	}
	manifestPath, destDir := args[0], args[1]

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return errors.Wrap(err, "reading build-write-files manifest")
	}
	var files map[string]string
	if err := json.Unmarshal(data, &files); err != nil {
		return errors.Wrap(err, "parsing build-write-files manifest")
	}

	for rel, content := range files {
		if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
			return &ErrMalformedArgs{Msg: "unsafe relative path in manifest: " + rel}
		}
		dest := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", rel)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", rel)
		}
		logger.Debug("wrote " + dest)
	}
	return nil
}

// CreateLinks implements "hit create-links MANIFEST.json": MANIFEST.json
// maps link path to link target; each entry becomes a symlink, replacing
// any existing file at that path.
func CreateLinks(args []string, env map[string]string, logger logging.Logger) error {
	if len(args) != 1 {
		return &ErrMalformedArgs{Msg: "create-links requires MANIFEST"}
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "reading create-links manifest")
	}
	var links map[string]string
	if err := json.Unmarshal(data, &links); err != nil {
		return errors.Wrap(err, "parsing create-links manifest")
	}

	for linkPath, target := range links {
		if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for link %s", linkPath)
		}
		os.Remove(linkPath)
		if err := os.Symlink(target, linkPath); err != nil {
			return errors.Wrapf(err, "linking %s -> %s", linkPath, target)
		}
		logger.Debug("linked " + linkPath + " -> " + target)
	}
	return nil
}
