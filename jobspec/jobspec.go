// Package jobspec holds the job spec tree's data model: the Node type,
// its JSON decoding with action-key validation, and canonicalization of
// defaults, matching the shape documented in spec.md §3 and §6.
package jobspec

import (
	"encoding/json"
	"maps"

	"github.com/pkg/errors"
)

// Env is the value-typed environment mapping threaded through execution.
// Scope push is Env.Clone.
type Env map[string]string

// Clone returns an independent copy of e.
func (e Env) Clone() Env {
	return maps.Clone(e)
}

// NodePos addresses a node in the spec tree, e.g. []int{0, 1} for the
// second command inside the first group.
type NodePos []int

// Child returns the position of the i'th child of this node.
func (p NodePos) Child(i int) NodePos {
	out := make(NodePos, len(p)+1)
	copy(out, p)
	out[len(p)] = i
	return out
}

// Import is one entry of the root node's "import" list.
type Import struct {
	ID    string
	Ref   *string // nil = no env binding for this import
	InEnv bool
}

// InputDoc is one entry of a leaf node's "inputs" list. Exactly one of
// Text, String, JSON is set.
type InputDoc struct {
	Text   []string
	String *string
	JSON   json.RawMessage // nil if not set; may be "null" literal
	hasJSON bool
}

// ErrInvalidJobSpec covers shape violations: missing/multiple action
// keys, incompatible modifiers.
type ErrInvalidJobSpec struct {
	Msg string
}

func (e *ErrInvalidJobSpec) Error() string { return "invalid job spec: " + e.Msg }

// ErrInvalidRef is returned when an import's ref is the empty string.
type ErrInvalidRef struct{}

func (e *ErrInvalidRef) Error() string {
	return "invalid ref: import ref must not be the empty string"
}

// ErrMalformedInput is returned when an input doc lacks, or has more
// than one of, text/string/json.
type ErrMalformedInput struct {
	Index int
}

func (e *ErrMalformedInput) Error() string {
	return "malformed input: need exactly one of text/string/json"
}

// ActionKind enumerates the eight mutually-exclusive node action keys
// from spec.md §3. This is the "tagged variant" called for in spec.md §9
// design notes, replacing Python's attribute-sniffing dynamic dispatch.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionCommands
	ActionCmd
	ActionHit
	ActionSet
	ActionPrependPath
	ActionAppendPath
	ActionPrependFlag
	ActionAppendFlag
)

// Node is one node of the job spec tree.
type Node struct {
	Action ActionKind

	Commands []*Node
	Cmd      []string
	Hit      []string
	Value    string // value for Set/PrependPath/AppendPath/PrependFlag/AppendFlag; also holds the varname via VarName below

	// VarName is the variable name acted on by env-mutator actions
	// (the node's "set"/"prepend_path"/etc. key's own value IS the
	// varname in the wire format; "value" is a separate key).
	VarName string

	Cwd          string
	Inputs       []InputDoc
	ToVar        string
	AppendToFile string

	// Root-only fields.
	Import       []Import
	NohashParams map[string]string
}

// wireInput mirrors the JSON shape of one inputs[] entry.
type wireInput struct {
	Text   []string        `json:"text,omitempty"`
	String *string         `json:"string,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

// wireImport mirrors the JSON shape of one import[] entry.
type wireImport struct {
	ID    string  `json:"id"`
	Ref   *string `json:"ref"`
	InEnv *bool   `json:"in_env"`
}

// wireNode mirrors the raw JSON shape of a node, used only during decode.
type wireNode struct {
	Commands []json.RawMessage `json:"commands"`
	Cmd      []string          `json:"cmd"`
	Hit      []string          `json:"hit"`
	Set      *string           `json:"set"`

	PrependPath *string `json:"prepend_path"`
	AppendPath  *string `json:"append_path"`
	PrependFlag *string `json:"prepend_flag"`
	AppendFlag  *string `json:"append_flag"`

	Value        *string     `json:"value"`
	Cwd          string      `json:"cwd"`
	Inputs       []wireInput `json:"inputs"`
	ToVar        string      `json:"to_var"`
	AppendToFile string      `json:"append_to_file"`

	Import       []wireImport      `json:"import"`
	NohashParams map[string]string `json:"nohash_params"`
}

// UnmarshalJSON decodes a Node, validating that exactly one action key
// is present (spec.md invariant 1) and that commands nodes don't carry
// incompatible modifiers (invariant 2).
func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decoding job spec node")
	}

	type candidate struct {
		present bool
		kind    ActionKind
		varName *string
	}
	candidates := []candidate{
		{w.Commands != nil, ActionCommands, nil},
		{w.Cmd != nil, ActionCmd, nil},
		{w.Hit != nil, ActionHit, nil},
		{w.Set != nil, ActionSet, w.Set},
		{w.PrependPath != nil, ActionPrependPath, w.PrependPath},
		{w.AppendPath != nil, ActionAppendPath, w.AppendPath},
		{w.PrependFlag != nil, ActionPrependFlag, w.PrependFlag},
		{w.AppendFlag != nil, ActionAppendFlag, w.AppendFlag},
	}

	found := ActionNone
	count := 0
	var varName string
	for _, c := range candidates {
		if c.present {
			count++
			found = c.kind
			if c.varName != nil {
				varName = *c.varName
			}
		}
	}
	if count != 1 {
		return &ErrInvalidJobSpec{Msg: "node must have exactly one action key"}
	}

	if found == ActionCommands {
		if len(w.Inputs) > 0 || w.ToVar != "" || w.AppendToFile != "" {
			return &ErrInvalidJobSpec{Msg: `"commands" not compatible with to_var, append_to_file, or inputs`}
		}
	}
	if w.ToVar != "" && w.AppendToFile != "" {
		return &ErrInvalidJobSpec{Msg: "can only have one of to_var, append_to_file"}
	}

	n.Action = found
	n.Cwd = w.Cwd
	n.ToVar = w.ToVar
	n.AppendToFile = w.AppendToFile
	n.VarName = varName

	switch found {
	case ActionCommands:
		children := make([]*Node, len(w.Commands))
		for i, raw := range w.Commands {
			child := &Node{}
			if err := json.Unmarshal(raw, child); err != nil {
				return errors.Wrapf(err, "decoding command %d", i)
			}
			children[i] = child
		}
		n.Commands = children
	case ActionCmd:
		n.Cmd = w.Cmd
	case ActionHit:
		n.Hit = w.Hit
	default:
		if w.Value == nil {
			return &ErrInvalidJobSpec{Msg: "env-mutator node requires a value"}
		}
		n.Value = *w.Value
	}

	if found != ActionCommands {
		inputs := make([]InputDoc, len(w.Inputs))
		for i, wi := range w.Inputs {
			doc, err := inputDocFromWire(wi)
			if err != nil {
				return errors.Wrapf(err, "decoding input %d", i)
			}
			inputs[i] = doc
		}
		n.Inputs = inputs
	}

	// Root-only fields; harmless to populate even on non-root nodes,
	// since callers only read them off the tree root returned by Decode.
	n.NohashParams = w.NohashParams
	if w.Import != nil {
		imports := make([]Import, len(w.Import))
		for i, wi := range w.Import {
			imp := Import{ID: wi.ID, Ref: wi.Ref, InEnv: true}
			if wi.InEnv != nil {
				imp.InEnv = *wi.InEnv
			}
			if imp.Ref != nil && *imp.Ref == "" {
				return &ErrInvalidRef{}
			}
			imports[i] = imp
		}
		n.Import = imports
	}

	return nil
}

func inputDocFromWire(wi wireInput) (InputDoc, error) {
	count := 0
	if wi.Text != nil {
		count++
	}
	if wi.String != nil {
		count++
	}
	if len(wi.JSON) > 0 {
		count++
	}
	if count != 1 {
		return InputDoc{}, &ErrMalformedInput{}
	}
	doc := InputDoc{Text: wi.Text, String: wi.String}
	if len(wi.JSON) > 0 {
		doc.JSON = wi.JSON
		doc.hasJSON = true
	}
	return doc, nil
}

// HasJSON reports whether the input doc's kind is "json".
func (d InputDoc) HasJSON() bool { return d.hasJSON }

// Decode parses a root job spec document from data and canonicalizes it:
// import defaults (in_env=true, ref=nil) are already applied during
// UnmarshalJSON; this also defaults NohashParams to an empty, non-nil map.
func Decode(data []byte) (*Node, error) {
	root := &Node{}
	if err := json.Unmarshal(data, root); err != nil {
		return nil, err
	}
	if root.NohashParams == nil {
		root.NohashParams = map[string]string{}
	}
	return root, nil
}
