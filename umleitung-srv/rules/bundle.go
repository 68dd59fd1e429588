package rules

import (
	"encoding/json"
	"fmt"
)

// BundleVersion is the current export format version.
const BundleVersion = 1

// Bundle is the export/import document. Ids, sequence numbers and timestamps
// are not carried over; the importing store assigns fresh ones.
type Bundle struct {
	Version int     `json:"version"`
	Rules   []*Rule `json:"rules"`
}

// NewBundle prepares rules for export.
func NewBundle(list []*Rule) *Bundle {
	b := &Bundle{Version: BundleVersion, Rules: make([]*Rule, 0, len(list))}
	for _, r := range list {
		c := r.Clone()
		c.ID, c.Seq = "", 0
		b.Rules = append(b.Rules, c)
	}
	return b
}

// DecodeBundle validates every rule of an exported document. A bare JSON
// array of rules is accepted as well.
func DecodeBundle(data []byte) (*Bundle, error) {
	var raw struct {
		Version int               `json:"version"`
		Rules   []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		var list []json.RawMessage
		if errList := json.Unmarshal(data, &list); errList != nil {
			return nil, newValidationError("malformed bundle: %v", err)
		}
		raw.Version, raw.Rules = BundleVersion, list
	}
	if raw.Version == 0 {
		raw.Version = BundleVersion
	}
	if raw.Version > BundleVersion {
		return nil, newValidationError("unsupported bundle version %d", raw.Version)
	}

	b := &Bundle{Version: raw.Version, Rules: make([]*Rule, 0, len(raw.Rules))}
	for i, item := range raw.Rules {
		r, err := DecodeRule(item)
		if err != nil {
			if ve, ok := err.(*ValidationError); ok {
				for j := range ve.Problems {
					ve.Problems[j] = fmt.Sprintf("rules[%d]: %s", i, ve.Problems[j])
				}
			}
			return nil, err
		}
		b.Rules = append(b.Rules, r)
	}
	return b, nil
}
