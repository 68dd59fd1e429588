package rules

import (
	"encoding/json"
	"fmt"
)

// CaptureType selects how a URL pattern is compared against request URLs.
type CaptureType string

const (
	CaptureExact CaptureType = "exact"
	CaptureGlob  CaptureType = "glob"
	CaptureRegex CaptureType = "regex"
)

// URLPattern is the URL predicate of a simple condition.
type URLPattern struct {
	CaptureType CaptureType `json:"captureType"`
	Pattern     string      `json:"pattern"`
}

// ConditionKind is the JSON discriminator of a Condition.
type ConditionKind string

const (
	ConditionSimple ConditionKind = "simple"
	ConditionAnd    ConditionKind = "and"
	ConditionOr     ConditionKind = "or"
)

// Condition decides whether a rule captures a request. The set of variants
// is closed: SimpleCondition, AndCondition and OrCondition.
type Condition interface {
	Kind() ConditionKind
	condition()
}

// SimpleCondition matches the request URL and, optionally, the method and
// request headers (name -> glob on the first value). All present predicates
// must hold.
type SimpleCondition struct {
	URLPattern URLPattern        `json:"urlPattern"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type AndCondition struct {
	Conditions []Condition `json:"conditions"`
}

type OrCondition struct {
	Conditions []Condition `json:"conditions"`
}

func (*SimpleCondition) Kind() ConditionKind { return ConditionSimple }
func (*AndCondition) Kind() ConditionKind    { return ConditionAnd }
func (*OrCondition) Kind() ConditionKind     { return ConditionOr }

func (*SimpleCondition) condition() {}
func (*AndCondition) condition()    {}
func (*OrCondition) condition()     {}

func (c *SimpleCondition) MarshalJSON() ([]byte, error) {
	type alias SimpleCondition
	return json.Marshal(struct {
		Type ConditionKind `json:"type"`
		*alias
	}{ConditionSimple, (*alias)(c)})
}

func (c *AndCondition) MarshalJSON() ([]byte, error) {
	return marshalComposite(ConditionAnd, c.Conditions)
}

func (c *OrCondition) MarshalJSON() ([]byte, error) {
	return marshalComposite(ConditionOr, c.Conditions)
}

func marshalComposite(kind ConditionKind, children []Condition) ([]byte, error) {
	if children == nil {
		children = []Condition{}
	}
	return json.Marshal(struct {
		Type       ConditionKind `json:"type"`
		Conditions []Condition   `json:"conditions"`
	}{kind, children})
}

// ParseCondition decodes a condition from its JSON form.
func ParseCondition(data []byte) (Condition, error) {
	var head struct {
		Type ConditionKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}

	switch head.Type {
	case ConditionSimple:
		c := &SimpleCondition{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("invalid simple condition: %w", err)
		}
		return c, nil
	case ConditionAnd, ConditionOr:
		var raw struct {
			Conditions []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid %s condition: %w", head.Type, err)
		}
		children := make([]Condition, 0, len(raw.Conditions))
		for i, item := range raw.Conditions {
			child, err := ParseCondition(item)
			if err != nil {
				return nil, fmt.Errorf("%s condition %d: %w", head.Type, i, err)
			}
			children = append(children, child)
		}
		if head.Type == ConditionAnd {
			return &AndCondition{Conditions: children}, nil
		}
		return &OrCondition{Conditions: children}, nil
	case "":
		return nil, fmt.Errorf("condition type missing")
	default:
		return nil, fmt.Errorf("unknown condition type %q", head.Type)
	}
}
