package audit

import (
	"bytes"
	"encoding/json"
	"sort"
)

// ChangedFields compares two JSON object snapshots and returns the sorted top-level keys
// whose values differ. A missing snapshot counts as an empty object. Non-object snapshots
// produce no field names.
func ChangedFields(before, after string) []string {
	b, okB := topLevel(before)
	a, okA := topLevel(after)
	if !okB || !okA {
		return []string{}
	}

	fields := []string{}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !bytes.Equal(compact(bv), compact(av)) {
			fields = append(fields, key)
		}
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

func topLevel(snapshot string) (map[string]json.RawMessage, bool) {
	if snapshot == "" {
		return map[string]json.RawMessage{}, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(snapshot), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
