// Package inputs materializes a leaf node's inline "inputs" documents to
// temporary files and binds $in0, $in1, ... in the node's environment,
// per spec.md §4.3.
package inputs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hashdist/jobrunner/jobspec"
)

// Materialize writes each entry of docs to tempDir, named
// "<pos>_in<i>[.json]", and returns the env bindings to merge into the
// node's environment.
func Materialize(tempDir string, pos jobspec.NodePos, docs []jobspec.InputDoc) (jobspec.Env, error) {
	out := jobspec.Env{}
	prefix := nodePosPrefix(pos)

	for i, doc := range docs {
		name := fmt.Sprintf("in%d", i)
		filename := prefix + "_" + name

		content, isJSON, err := renderInput(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "materializing input %d", i)
		}
		if isJSON {
			filename += ".json"
		}

		fullPath := filepath.Join(tempDir, filename)
		if err := os.WriteFile(fullPath, []byte(content), 0o600); err != nil {
			return nil, errors.Wrapf(err, "writing input %d to %s", i, fullPath)
		}
		out[name] = fullPath
	}
	return out, nil
}

func renderInput(doc jobspec.InputDoc) (content string, isJSON bool, err error) {
	switch {
	case doc.Text != nil:
		return strings.Join(doc.Text, "\n"), false, nil
	case doc.String != nil:
		return *doc.String, false, nil
	case doc.HasJSON():
		var v any
		if err := json.Unmarshal(doc.JSON, &v); err != nil {
			return "", false, errors.Wrap(err, "decoding json input")
		}
		b, err := json.MarshalIndent(v, "", "    ")
		if err != nil {
			return "", false, errors.Wrap(err, "encoding json input")
		}
		return string(b), true, nil
	default:
		return "", false, &jobspec.ErrMalformedInput{}
	}
}

func nodePosPrefix(pos jobspec.NodePos) string {
	parts := make([]string, len(pos))
	for i, p := range pos {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, "_")
}
