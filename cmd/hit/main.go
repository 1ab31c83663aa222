// Command hit is the standalone helper CLI referenced by "hit" job-spec
// nodes. The job runner dispatches these in-process via the hitbridge
// package; this binary exists for the same subcommands to be run
// out-of-process (e.g. from a shell, or by a tool that doesn't link
// against this module). Run this way, logpipe takes its temp dir from
// HDIST_TEMP_DIR and the FIFO it creates is not registered with any
// running job, so no job multiplexer drains it.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/hashdist/jobrunner/hitbridge"
	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/logmux"
)

func main() {
	logger := logging.New(os.Stderr, logging.Info)

	app := &cli.App{
		Name:  "hit",
		Usage: "hashdist-style in-job helper commands",
		Commands: []*cli.Command{
			{
				Name:      "logpipe",
				Usage:     "print the path of a log FIFO for HEADING at LEVEL, creating it if needed",
				ArgsUsage: "HEADING LEVEL",
				Action: func(c *cli.Context) error {
					tempDir := os.Getenv("HDIST_TEMP_DIR")
					if tempDir == "" {
						return errors.New("HDIST_TEMP_DIR is not set")
					}
					reg := logmux.NewRegistry(tempDir)
					bridge := hitbridge.New(reg)
					return bridge.Dispatch(append([]string{"logpipe"}, c.Args().Slice()...), envMap(), logger, os.Stdout)
				},
			},
			{
				Name:      "build-write-files",
				Usage:     "write the files described by a JSON manifest under a destination directory",
				ArgsUsage: "MANIFEST DESTDIR",
				Action: func(c *cli.Context) error {
					return hitbridge.BuildWriteFiles(c.Args().Slice(), envMap(), logger)
				},
			},
			{
				Name:      "create-links",
				Usage:     "create the symlinks described by a JSON manifest",
				ArgsUsage: "MANIFEST",
				Action: func(c *cli.Context) error {
					return hitbridge.CreateLinks(c.Args().Slice(), envMap(), logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hit:", err)
		os.Exit(1)
	}
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
