package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// readHCLConfig parses an HCL file into the same map shape the JSON loader
// produces. Unlabeled blocks become nested objects, `forward` blocks are
// appended to "forwards" and `classifier "name"` blocks land in "classifiers".
func readHCLConfig(path string) (map[string]any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	file, diags := hclsyntax.ParseConfig(src, path, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected HCL body type %T", file.Body)
	}
	return hclBodyToMap(body)
}

func hclBodyToMap(body *hclsyntax.Body) (map[string]any, error) {
	out := make(map[string]any, len(body.Attributes)+len(body.Blocks))

	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("attribute %s: %s", name, diags.Error())
		}
		raw, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = decoded
	}

	for _, block := range body.Blocks {
		inner, err := hclBodyToMap(block.Body)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", block.Type, err)
		}

		switch {
		case block.Type == "forward" && len(block.Labels) == 0:
			list, _ := out["forwards"].([]any)
			out["forwards"] = append(list, inner)
		case block.Type == "classifier" && len(block.Labels) == 1:
			classifiers, _ := out["classifiers"].(map[string]any)
			if classifiers == nil {
				classifiers = map[string]any{}
				out["classifiers"] = classifiers
			}
			classifiers[block.Labels[0]] = inner
		case len(block.Labels) == 0:
			if _, dup := out[block.Type]; dup {
				return nil, fmt.Errorf("duplicate block %s", block.Type)
			}
			out[block.Type] = inner
		default:
			return nil, fmt.Errorf("unsupported labeled block %s", block.Type)
		}
	}

	return out, nil
}
