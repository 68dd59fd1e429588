package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/net/http/httpguts"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://umleitung.local/schema/rule.json"

var (
	schemaOnce    sync.Once
	ruleSchema    *jsonschema.Schema
	contentSchema *jsonschema.Schema
	schemaErr     error
)

// Schema returns the embedded JSON Schema describing rules.
func Schema() json.RawMessage {
	return json.RawMessage(schemaJSON)
}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		schemaErr = fmt.Errorf("failed to load rule schema: %w", err)
		return
	}
	if ruleSchema, schemaErr = compiler.Compile(schemaURL); schemaErr != nil {
		return
	}
	contentSchema, schemaErr = compiler.Compile(schemaURL + "#/$defs/content")
}

func validateAgainst(get func() *jsonschema.Schema, data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return newValidationError("malformed JSON: %v", err)
	}
	if err := get().Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return &ValidationError{Problems: schemaProblems(ve)}
		}
		return newValidationError("%v", err)
	}
	return nil
}

// schemaProblems flattens the leaves of a schema validation error tree.
func schemaProblems(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, schemaProblems(cause)...)
	}
	return out
}

// DecodeRule validates data against the rule schema, decodes it and runs
// the semantic checks.
func DecodeRule(data []byte) (*Rule, error) {
	if err := validateAgainst(func() *jsonschema.Schema { return ruleSchema }, data); err != nil {
		return nil, err
	}
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, newValidationError("%v", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeContent is DecodeRule for the capture/handlers part only.
func DecodeContent(data []byte) (*Content, error) {
	if err := validateAgainst(func() *jsonschema.Schema { return contentSchema }, data); err != nil {
		return nil, err
	}
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, newValidationError("%v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate runs the semantic checks the schema cannot express.
func (r *Rule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name must not be empty")
	}
	problems = append(problems, (&Content{Capture: r.Capture, Handlers: r.Handlers}).problems()...)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Content) Validate() error {
	if problems := c.problems(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Content) problems() []string {
	var problems []string
	if c.Capture == nil {
		problems = append(problems, "capture must be set")
	} else {
		problems = append(problems, conditionProblems("capture", c.Capture)...)
	}
	for i, h := range c.Handlers {
		problems = append(problems, handlerProblems(fmt.Sprintf("handlers[%d]", i), h)...)
	}
	return problems
}

func conditionProblems(path string, c Condition) []string {
	switch t := c.(type) {
	case *SimpleCondition:
		var problems []string
		p := t.URLPattern
		switch p.CaptureType {
		case CaptureExact:
			if _, err := url.Parse(p.Pattern); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid exact URL: %v", path, err))
			}
		case CaptureGlob:
			if _, err := glob.Compile(p.Pattern); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid glob: %v", path, err))
			}
		case CaptureRegex:
			if _, err := regexp.Compile(p.Pattern); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid regex: %v", path, err))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown captureType %q", path, p.CaptureType))
		}
		if p.Pattern == "" {
			problems = append(problems, fmt.Sprintf("%s: pattern must not be empty", path))
		}
		for name, pattern := range t.Headers {
			if strings.TrimSpace(name) == "" {
				problems = append(problems, fmt.Sprintf("%s: empty header name", path))
			} else if _, err := glob.Compile(pattern); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid glob for header %s: %v", path, name, err))
			}
		}
		return problems
	case *AndCondition:
		return compositeProblems(path, t.Conditions)
	case *OrCondition:
		return compositeProblems(path, t.Conditions)
	default:
		return []string{fmt.Sprintf("%s: unknown condition variant %T", path, c)}
	}
}

func compositeProblems(path string, children []Condition) []string {
	if len(children) == 0 {
		return []string{path + ": composite condition needs at least one condition"}
	}
	var problems []string
	for i, child := range children {
		problems = append(problems, conditionProblems(fmt.Sprintf("%s.conditions[%d]", path, i), child)...)
	}
	return problems
}

func handlerProblems(path string, h Handler) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, path+": "+fmt.Sprintf(format, args...))
	}

	switch t := h.(type) {
	case *DelayHandler:
		if t.DelayMs < 0 || t.VarianceMs < 0 {
			add("delayMs and varianceMs must not be negative")
		}
		switch t.DelayType {
		case DelayBeforeRequest, DelayAfterRequest, DelayBoth:
		default:
			add("unknown delayType %q", t.DelayType)
		}
	case *ModifyRequestHandler:
		if t.Method != "" && !validMethod(t.Method) {
			add("invalid method %q", t.Method)
		}
		problems = append(problems, headerProblems(path, t.Headers, t.RemoveHeaders)...)
		problems = append(problems, patchProblems(path, t.JSONPatch)...)
	case *ModifyResponseHandler:
		if t.StatusCode != nil && (*t.StatusCode < 100 || *t.StatusCode > 599) {
			add("statusCode %d out of range", *t.StatusCode)
		}
		problems = append(problems, headerProblems(path, t.Headers, t.RemoveHeaders)...)
		problems = append(problems, patchProblems(path, t.JSONPatch)...)
	case *ProxyPassHandler:
		u, err := url.Parse(t.TargetURI)
		switch {
		case err != nil:
			add("invalid targetUri: %v", err)
		case u.Scheme != "http" && u.Scheme != "https":
			add("targetUri must use http or https")
		case u.Host == "":
			add("targetUri must include a host")
		}
	default:
		add("unknown handler variant %T", h)
	}
	return problems
}

func headerProblems(path string, set map[string]string, remove []string) []string {
	var problems []string
	for name := range set {
		if !validHeaderName(name) {
			problems = append(problems, fmt.Sprintf("%s: invalid header name %q", path, name))
		}
	}
	for _, name := range remove {
		if !validHeaderName(name) {
			problems = append(problems, fmt.Sprintf("%s: invalid header name %q", path, name))
		}
	}
	return problems
}

func patchProblems(path string, ops []JSONPatchOp) []string {
	var problems []string
	for i, op := range ops {
		switch {
		case op.Path == "":
			problems = append(problems, fmt.Sprintf("%s.jsonPatch[%d]: path must not be empty", path, i))
		case !op.Delete && len(op.Value) == 0:
			problems = append(problems, fmt.Sprintf("%s.jsonPatch[%d]: value required unless delete is set", path, i))
		}
	}
	return problems
}

// validMethod accepts HTTP method tokens; they share the header name grammar.
func validMethod(m string) bool {
	return httpguts.ValidHeaderFieldName(m)
}

func validHeaderName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}
