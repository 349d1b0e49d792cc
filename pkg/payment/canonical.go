package payment

import (
	"encoding/json"
	"sort"
)

// Canonicalize returns the deterministic JSON encoding of v: marshal to a
// generic value, recursively sort every object's keys, then re-encode with
// no inserted whitespace. It is the byte sequence invoices are signed over,
// so two equal invoices always sign identically regardless of struct field
// order. No library in the pack offers this, so it is hand-written.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(generic))
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{key: k, value: sortKeys(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return val
	}
}

type orderedEntry struct {
	key   string
	value any
}

type orderedMap []orderedEntry

// MarshalJSON writes the entries in their given (already sorted) order,
// since encoding/json always re-sorts a plain map[string]any by key.
func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
