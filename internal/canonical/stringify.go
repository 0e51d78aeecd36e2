package canonical

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StableStringify serializes a value to JSON with object keys sorted
// lexicographically at every nesting level. Array order is preserved and
// nulls are kept. The input is normalized through a JSON round-trip first,
// so structs, maps and primitives all serialize the same way regardless of
// field order.
func StableStringify(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("failed to normalize value: %w", err)
	}

	var sb strings.Builder
	if err := writeStable(&sb, decoded); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeStable(sb *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(keyJSON)
			sb.WriteByte(':')
			if err := writeStable(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeStable(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(raw)
		return nil
	}
}
