package action

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/errors"
)

// MaxDepth bounds the nesting of a decoded recipe.
const MaxDepth = 64

// Decode parses a recipe from JSON or YAML. Each node is a single-key
// mapping from variant name to payload; a bare list is an implicit Seq.
func Decode(data []byte) (Action, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Config("parse recipe", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errors.Config("recipe is empty", nil)
	}
	return decodeNode(doc.Content[0], 0)
}

func badNode(n *yaml.Node, format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindConfig).
		Path(fmt.Sprintf("line %d", n.Line)).
		Detail(format, args...).
		Build()
}

func decodeNode(n *yaml.Node, depth int) (Action, error) {
	if depth > MaxDepth {
		return nil, badNode(n, "recipe nested deeper than %d", MaxDepth)
	}
	if n.Kind == yaml.AliasNode {
		return nil, badNode(n, "aliases are not allowed in recipes")
	}
	if n.Kind == yaml.SequenceNode {
		return decodeSeq(n, depth)
	}
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return nil, badNode(n, "action must be a mapping with exactly one key")
	}

	key, payload := n.Content[0], n.Content[1]
	if payload.Kind == yaml.AliasNode {
		return nil, badNode(payload, "aliases are not allowed in recipes")
	}
	switch key.Value {
	case "MapFile":
		var v struct {
			To   string `yaml:"to"`
			File string `yaml:"file"`
			From string `yaml:"from"`
		}
		if err := payload.Decode(&v); err != nil {
			return nil, badNode(payload, "MapFile: %v", err)
		}
		if v.From == "" {
			v.From = v.File
		}
		return MapFile{To: v.To, From: v.From}, nil
	case "AddEnv":
		var v struct {
			Name  string  `yaml:"name"`
			Val   *string `yaml:"val"`
			Value string  `yaml:"value"`
		}
		if err := payload.Decode(&v); err != nil {
			return nil, badNode(payload, "AddEnv: %v", err)
		}
		if v.Name == "" {
			return nil, badNode(payload, "AddEnv: name is required")
		}
		if v.Val != nil {
			v.Value = *v.Val
		}
		return AddEnv{Name: v.Name, Value: v.Value}, nil
	case "SetArgs":
		var args []string
		if err := payload.Decode(&args); err != nil {
			return nil, badNode(payload, "SetArgs: %v", err)
		}
		return SetArgs(args), nil
	case "Depends":
		s, err := scalar(payload, key.Value)
		return Depends(s), err
	case "LinkWasm", "LinkModule":
		s, err := scalar(payload, key.Value)
		return LinkModule(s), err
	case "StartWasm", "StartModule":
		s, err := scalar(payload, key.Value)
		return StartModule(s), err
	case "Seq":
		if payload.Kind != yaml.SequenceNode {
			return nil, badNode(payload, "Seq: expected a list")
		}
		return decodeSeq(payload, depth)
	case "When":
		fields, err := fieldMap(payload, "When", "cond", "action")
		if err != nil {
			return nil, err
		}
		mode, err := dualvm.ParseMode(fields["cond"].Value)
		if err != nil {
			return nil, badNode(fields["cond"], "When: %v", err)
		}
		inner, err := decodeNode(fields["action"], depth+1)
		if err != nil {
			return nil, err
		}
		return When{Mode: mode, Action: inner}, nil
	case "With":
		fields, err := fieldMap(payload, "With", "runner", "action")
		if err != nil {
			return nil, err
		}
		runner, err := scalar(fields["runner"], "With.runner")
		if err != nil {
			return nil, err
		}
		inner, err := decodeNode(fields["action"], depth+1)
		if err != nil {
			return nil, err
		}
		return With{Runner: runner, Action: inner}, nil
	}
	return nil, badNode(key, "unknown action %q", key.Value)
}

func decodeSeq(n *yaml.Node, depth int) (Action, error) {
	out := make(Seq, 0, len(n.Content))
	for _, item := range n.Content {
		a, err := decodeNode(item, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func scalar(n *yaml.Node, what string) (string, error) {
	if n.Kind != yaml.ScalarNode || n.Value == "" {
		return "", badNode(n, "%s: expected a non-empty string", what)
	}
	return n.Value, nil
}

func fieldMap(n *yaml.Node, what string, required ...string) (map[string]*yaml.Node, error) {
	if n.Kind != yaml.MappingNode {
		return nil, badNode(n, "%s: expected a mapping", what)
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out[n.Content[i].Value] = n.Content[i+1]
	}
	for _, name := range required {
		if _, ok := out[name]; !ok {
			return nil, badNode(n, "%s: missing %q", what, name)
		}
	}
	return out, nil
}
