package jobspec

import (
	"testing"

	"github.com/pkg/errors"
)

func TestDecodeCommandsTree(t *testing.T) {
	n, err := Decode([]byte(`{
		"import": [{"id": "foo/1.2", "ref": "FOO"}],
		"commands": [
			{"cmd": ["echo", "hi"], "to_var": "OUT"},
			{"set": "X", "value": "1"},
			{"commands": [{"cmd": ["true"]}]}
		]
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.Action != ActionCommands {
		t.Fatalf("root action = %v, want ActionCommands", n.Action)
	}
	if len(n.Commands) != 3 {
		t.Fatalf("len(Commands) = %d, want 3", len(n.Commands))
	}
	if n.Commands[0].Action != ActionCmd || n.Commands[0].ToVar != "OUT" {
		t.Errorf("commands[0] = %+v", n.Commands[0])
	}
	if n.Commands[1].Action != ActionSet || n.Commands[1].VarName != "X" || n.Commands[1].Value != "1" {
		t.Errorf("commands[1] = %+v", n.Commands[1])
	}
	if len(n.Import) != 1 || n.Import[0].ID != "foo/1.2" || n.Import[0].Ref == nil || *n.Import[0].Ref != "FOO" {
		t.Errorf("import = %+v", n.Import)
	}
}

func TestDecodeRejectsMultipleActionKeys(t *testing.T) {
	_, err := Decode([]byte(`{"cmd": ["a"], "set": "X", "value": "1"}`))
	if _, ok := err.(*ErrInvalidJobSpec); !ok {
		t.Fatalf("expected *ErrInvalidJobSpec, got %v", err)
	}
}

func TestDecodeRejectsZeroActionKeys(t *testing.T) {
	_, err := Decode([]byte(`{"cwd": "/tmp"}`))
	if _, ok := err.(*ErrInvalidJobSpec); !ok {
		t.Fatalf("expected *ErrInvalidJobSpec, got %v", err)
	}
}

func TestDecodeRejectsCommandsWithToVar(t *testing.T) {
	_, err := Decode([]byte(`{"commands": [], "to_var": "X"}`))
	if _, ok := err.(*ErrInvalidJobSpec); !ok {
		t.Fatalf("expected *ErrInvalidJobSpec, got %v", err)
	}
}

func TestDecodeRejectsBothToVarAndAppendToFile(t *testing.T) {
	_, err := Decode([]byte(`{"cmd": ["a"], "to_var": "X", "append_to_file": "/tmp/f"}`))
	if _, ok := err.(*ErrInvalidJobSpec); !ok {
		t.Fatalf("expected *ErrInvalidJobSpec, got %v", err)
	}
}

func TestDecodeRejectsEmptyImportRef(t *testing.T) {
	_, err := Decode([]byte(`{"import": [{"id": "foo", "ref": ""}], "commands": []}`))
	if _, ok := err.(*ErrInvalidRef); !ok {
		t.Fatalf("expected *ErrInvalidRef, got %v", err)
	}
}

func TestDecodeMalformedInput(t *testing.T) {
	_, err := Decode([]byte(`{"cmd": ["a"], "inputs": [{}]}`))
	var target *ErrMalformedInput
	if !errors.As(err, &target) {
		t.Fatalf("expected *ErrMalformedInput, got %v", err)
	}
}

func TestDecodeDefaultsNohashParams(t *testing.T) {
	n, err := Decode([]byte(`{"commands": []}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.NohashParams == nil {
		t.Error("NohashParams should default to a non-nil empty map")
	}
}

func TestDecodeImportDefaultsInEnvTrue(t *testing.T) {
	n, err := Decode([]byte(`{"import": [{"id": "foo"}], "commands": []}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !n.Import[0].InEnv {
		t.Error("InEnv should default to true")
	}
}

func TestNodePosChild(t *testing.T) {
	p := NodePos{0, 1}
	c := p.Child(2)
	if len(c) != 3 || c[0] != 0 || c[1] != 1 || c[2] != 2 {
		t.Errorf("Child = %v", c)
	}
	if len(p) != 2 {
		t.Errorf("parent mutated: %v", p)
	}
}
