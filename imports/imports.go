// Package imports builds the initial job environment from a job spec's
// "import" list, per spec.md §4.2.
package imports

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/store"
)

// ErrVirtualUnresolved is returned when an import id starts with
// "virtual:" but is not present in the virtuals mapping.
type ErrVirtualUnresolved struct {
	ID string
}

func (e *ErrVirtualUnresolved) Error() string {
	return "virtual import not resolved: " + e.ID
}

// ErrDependencyNotBuilt is returned when the store has no path for a
// resolved (non-virtual) artifact id.
type ErrDependencyNotBuilt struct {
	Ref string
	ID  string
}

func (e *ErrDependencyNotBuilt) Error() string {
	return "dependency \"" + e.Ref + "\"=\"" + e.ID + "\" not already built, please build it first"
}

// ErrAmbiguousLibDir is returned when an artifact directory has more
// than one of lib, lib32, lib64.
type ErrAmbiguousLibDir struct {
	ID   string
	Dirs []string
}

func (e *ErrAmbiguousLibDir) Error() string {
	return "in_env set for artifact " + e.ID + " with more than one library dir: " + strings.Join(e.Dirs, ", ")
}

// Resolve walks imports in order, resolving virtual ids via virtuals and
// concrete paths via st, and returns the accumulated environment
// variables (PATH, HDIST_CFLAGS, HDIST_LDFLAGS, HDIST_IMPORT,
// HDIST_IMPORT_PATHS, plus per-ref <ref> and <ref>_ID bindings).
func Resolve(st store.Store, virtuals map[string]string, list []jobspec.Import) (jobspec.Env, error) {
	env := jobspec.Env{}

	var path []string
	var cflags []string
	var ldflags []string
	var importIDs []string
	var importPaths []string

	for _, dep := range list {
		depID := dep.ID
		importIDs = append(importIDs, depID)

		resolvedID := depID
		if strings.HasPrefix(depID, "virtual:") {
			concrete, ok := virtuals[depID]
			if !ok {
				return nil, &ErrVirtualUnresolved{ID: depID}
			}
			resolvedID = concrete
		}

		depDir, ok := st.Resolve(resolvedID)
		if !ok {
			ref := ""
			if dep.Ref != nil {
				ref = *dep.Ref
			}
			return nil, &ErrDependencyNotBuilt{Ref: ref, ID: resolvedID}
		}
		importPaths = append(importPaths, depDir)

		if dep.Ref != nil {
			env[*dep.Ref] = depDir
			env[*dep.Ref+"_ID"] = resolvedID
		}

		if dep.InEnv {
			binDir := filepath.Join(depDir, "bin")
			if dirExists(binDir) {
				path = append(path, binDir)
			}

			var libDirs []string
			for _, name := range []string{"lib", "lib32", "lib64"} {
				d := filepath.Join(depDir, name)
				if dirExists(d) {
					libDirs = append(libDirs, d)
				}
			}
			switch len(libDirs) {
			case 0:
			case 1:
				ldflags = append(ldflags, "-L"+libDirs[0], "-Wl,-R,"+libDirs[0])
			default:
				return nil, errors.WithStack(&ErrAmbiguousLibDir{ID: resolvedID, Dirs: libDirs})
			}

			incDir := filepath.Join(depDir, "include")
			if dirExists(incDir) {
				cflags = append(cflags, "-I"+incDir)
			}
		}
	}

	env["PATH"] = strings.Join(path, string(os.PathListSeparator))
	env["HDIST_CFLAGS"] = strings.Join(cflags, " ")
	env["HDIST_LDFLAGS"] = strings.Join(ldflags, " ")
	env["HDIST_IMPORT"] = strings.Join(importIDs, " ")
	env["HDIST_IMPORT_PATHS"] = strings.Join(importPaths, " ")
	return env, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
