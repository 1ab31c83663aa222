// Command jobrunner runs a job spec file against an artifact store
// directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/hashdist/jobrunner/jobrun"
	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/logging"
	"github.com/hashdist/jobrunner/store"
)

func main() {
	app := &cli.App{
		Name:  "jobrunner",
		Usage: "run a hashdist-style job spec",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "spec", Required: true, Usage: "path to the job spec JSON file"},
			&cli.StringFlag{Name: "store", Required: true, Usage: "artifact store root directory"},
			&cli.StringFlag{Name: "overrides", Usage: "path to a JSON file of environment overrides"},
			&cli.StringFlag{Name: "virtuals", Usage: "path to a JSON file mapping virtual: ids to concrete ids"},
			&cli.StringFlag{Name: "cwd", Value: ".", Usage: "working directory to run the job in"},
			&cli.IntFlag{Name: "ncores", Value: 1, Usage: "value exposed to the job as HDIST_CONFIG ncores"},
			&cli.StringFlag{Name: "log-level", Value: "INFO", Usage: "CRITICAL, ERROR, WARNING, INFO, or DEBUG"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobrunner:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, ok := logging.ParseLevel(c.String("log-level"))
	if !ok {
		return errors.Errorf("unknown log level: %s", c.String("log-level"))
	}
	logger := logging.New(os.Stderr, level)

	specData, err := os.ReadFile(c.String("spec"))
	if err != nil {
		return errors.Wrap(err, "reading job spec")
	}
	spec, err := jobspec.Decode(specData)
	if err != nil {
		return errors.Wrap(err, "decoding job spec")
	}

	overrides, err := readStringMap(c.String("overrides"))
	if err != nil {
		return errors.Wrap(err, "reading overrides")
	}
	virtuals, err := readStringMap(c.String("virtuals"))
	if err != nil {
		return errors.Wrap(err, "reading virtuals")
	}

	st := store.DirStore{Root: c.String("store")}
	cfg := jobrun.Config{NCores: c.Int("ncores")}

	finalEnv, err := jobrun.Run(logger, st, spec, overrides, virtuals, c.String("cwd"), cfg, "")
	if err != nil {
		return err
	}

	logger.Debug(fmt.Sprintf("job finished with %d environment bindings", len(finalEnv)))
	return nil
}

func readStringMap(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
