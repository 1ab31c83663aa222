package procrun

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hashdist/jobrunner/jobspec"
	"github.com/hashdist/jobrunner/logging"
)

func testLogger() logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.Debug)
}

func TestRunCapturesStdout(t *testing.T) {
	var out bytes.Buffer
	err := Run(Spec{
		Args:       []string{"/bin/echo", "hello-procrun"},
		Env:        jobspec.Env{"PATH": "/usr/bin:/bin"},
		Cwd:        "/",
		Logger:     testLogger(),
		StdoutSink: &out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "hello-procrun" {
		t.Errorf("captured stdout = %q", out.String())
	}
}

func TestRunNoEnvironmentInheritance(t *testing.T) {
	var out bytes.Buffer
	err := Run(Spec{
		Args:       []string{"/bin/sh", "-c", `echo "home=[$HOME]"`},
		Env:        jobspec.Env{"PATH": "/usr/bin:/bin"},
		Cwd:        "/",
		Logger:     testLogger(),
		StdoutSink: &out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "home=[]" {
		t.Errorf("child saw ambient environment leak: %q", out.String())
	}
}

func TestRunCommandFailed(t *testing.T) {
	err := Run(Spec{
		Args:   []string{"/bin/sh", "-c", "exit 3"},
		Env:    jobspec.Env{"PATH": "/usr/bin:/bin"},
		Cwd:    "/",
		Logger: testLogger(),
	})
	cf, ok := err.(*ErrCommandFailed)
	if !ok {
		t.Fatalf("expected *ErrCommandFailed, got %v (%T)", err, err)
	}
	if cf.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cf.ExitCode)
	}
}

func TestRunExecutableNotFound(t *testing.T) {
	err := Run(Spec{
		Args:   []string{"this-binary-does-not-exist-anywhere"},
		Env:    jobspec.Env{"PATH": "/usr/bin:/bin"},
		Cwd:    "/",
		Logger: testLogger(),
	})
	if _, ok := err.(*ErrExecutableNotFound); !ok {
		t.Fatalf("expected *ErrExecutableNotFound, got %v (%T)", err, err)
	}
}
