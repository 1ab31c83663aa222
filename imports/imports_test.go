package imports

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/store"
)

func ref(s string) *string { return &s }

func TestResolveOrdering(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(dir, name, "bin"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st := store.DirStore{Root: dir}
	list := []jobspec.Import{
		{ID: "a", Ref: ref("A"), InEnv: true},
		{ID: "b", Ref: ref("B"), InEnv: true},
	}
	env, err := Resolve(st, nil, list)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "a", "bin") + string(os.PathListSeparator) + filepath.Join(dir, "b", "bin")
	if env["PATH"] != want {
		t.Errorf("PATH = %q, want %q", env["PATH"], want)
	}
	if env["A"] != filepath.Join(dir, "a") {
		t.Errorf("A = %q", env["A"])
	}
	if env["A_ID"] != "a" {
		t.Errorf("A_ID = %q", env["A_ID"])
	}
}

func TestResolveVirtualUnresolved(t *testing.T) {
	st := store.MapStore{}
	list := []jobspec.Import{{ID: "virtual:unix", Ref: ref("U"), InEnv: true}}
	_, err := Resolve(st, map[string]string{}, list)
	if _, ok := err.(*ErrVirtualUnresolved); !ok {
		t.Fatalf("expected ErrVirtualUnresolved, got %v", err)
	}
}

func TestResolveDependencyNotBuilt(t *testing.T) {
	st := store.MapStore{}
	list := []jobspec.Import{{ID: "missing", InEnv: true}}
	_, err := Resolve(st, nil, list)
	if _, ok := err.(*ErrDependencyNotBuilt); !ok {
		t.Fatalf("expected ErrDependencyNotBuilt, got %v", err)
	}
}

func TestResolveAmbiguousLibDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"lib", "lib64"} {
		if err := os.MkdirAll(filepath.Join(dir, "pkg", name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st := store.DirStore{Root: dir}
	list := []jobspec.Import{{ID: "pkg", InEnv: true}}
	_, err := Resolve(st, nil, list)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveSingleLibDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg", "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	st := store.DirStore{Root: dir}
	list := []jobspec.Import{{ID: "pkg", InEnv: true}}
	env, err := Resolve(st, nil, list)
	if err != nil {
		t.Fatal(err)
	}
	want := "-L" + filepath.Join(dir, "pkg", "lib")
	if env["HDIST_LDFLAGS"][:len(want)] != want {
		t.Errorf("HDIST_LDFLAGS = %q", env["HDIST_LDFLAGS"])
	}
}
