package pipeline

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/codefionn/umleitung/umleitung-srv/codec"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// editBody applies a body replacement and JSON patch to body. A compressed
// body is decoded first; the returned header then no longer announces a
// Content-Encoding. Content-Length is always updated.
func editBody(body []byte, h http.Header, replace *string, patch []rules.JSONPatchOp) ([]byte, http.Header, error) {
	if replace == nil && len(patch) == 0 {
		return body, h, nil
	}

	if replace != nil {
		body = []byte(*replace)
		h = h.Clone()
		h.Del("Content-Encoding")
	} else {
		var err error
		body, h, err = codec.DecodeHeader(body, h)
		if err != nil {
			return nil, nil, err
		}
		h = h.Clone()
	}

	if len(patch) > 0 {
		var err error
		body, err = applyJSONPatch(body, patch)
		if err != nil {
			return nil, nil, err
		}
	}

	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return body, h, nil
}

func applyJSONPatch(body []byte, patch []rules.JSONPatchOp) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("json patch: body is not valid JSON")
	}
	for i, op := range patch {
		var err error
		if op.Delete {
			if !gjson.GetBytes(body, op.Path).Exists() {
				continue
			}
			body, err = sjson.DeleteBytes(body, op.Path)
		} else {
			body, err = sjson.SetRawBytes(body, op.Path, op.Value)
		}
		if err != nil {
			return nil, fmt.Errorf("json patch %d (%s): %w", i, op.Path, err)
		}
	}
	return body, nil
}

func applyHeaders(h http.Header, remove []string, set map[string]string) http.Header {
	if len(remove) == 0 && len(set) == 0 {
		return h
	}
	if h == nil {
		h = http.Header{}
	}
	for _, name := range remove {
		h.Del(name)
	}
	for name, value := range set {
		h.Set(name, value)
	}
	return h
}
