package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serializes a value with object keys sorted lexicographically
// at every nesting level, so that two maps with the same contents always
// produce identical bytes regardless of insertion order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonical encoding: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

// Key derives the content-addressed cache key for a workflow run:
// hex(SHA-256(task_id + "_" + workflow_type + "_" + canonical_json(params))).
func Key(taskID, workflowType string, params map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("deriving cache key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte("_"))
	h.Write([]byte(workflowType))
	h.Write([]byte("_"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
