package alova

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DeriveKey turns a method into a stable fingerprint. Object-valued fields
// are serialized with recursively sorted keys, arrays keep their order,
// nil values are omitted and header names are canonicalized, so
// structurally equal methods always produce the same key.
func DeriveKey(m *Method) string {
	fingerprint := map[string]any{
		"verb": string(m.verb),
		"url":  joinURL(m.baseURL, m.url),
	}
	if params := canonicalValue(m.params); !isEmptyValue(params) {
		fingerprint["params"] = params
	}
	if body := canonicalBody(m.body); !isEmptyValue(body) {
		fingerprint["body"] = body
	}
	if headers := canonicalHeaders(m.headers); len(headers) > 0 {
		fingerprint["headers"] = headers
	}

	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(fingerprint)
	if err != nil {
		panic(fmt.Sprintf("alova: cannot derive key for %s %s: %v", m.verb, m.url, err))
	}
	return string(b)
}

func canonicalHeaders(headers map[string]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func canonicalBody(body any) any {
	switch b := body.(type) {
	case nil:
		return nil
	case string:
		return b
	case []byte:
		return string(b)
	case io.Reader:
		// Readers are consumed once; identity is the only stable fingerprint.
		return fmt.Sprintf("reader:%p", b)
	default:
		return canonicalValue(b)
	}
}

// canonicalValue normalizes v through a JSON round trip so that structs,
// typed maps and generic maps with equal content compare equal.
func canonicalValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("alova: cannot canonicalize %T: %v", v, err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		panic(fmt.Sprintf("alova: cannot canonicalize %T: %v", v, err))
	}
	return pruneNil(generic)
}

func pruneNil(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			if x == nil {
				continue
			}
			out[k] = pruneNil(x)
		}
		return out
	case []any:
		for i := range t {
			t[i] = pruneNil(t[i])
		}
		return t
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
