package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// digest returns the SHA-256 hex digest of value's canonical-JSON form.
// Used to fingerprint tool definitions for rug-pull detection: the same
// logical value always produces the same digest regardless of map key
// iteration order.
func digest(value interface{}) string {
	sum := sha256.Sum256([]byte(stableStringify(value)))
	return hex.EncodeToString(sum[:])
}

// CanonicalDigest exposes digest for callers outside the package that need a
// stable hash of arbitrary JSON-shaped values, such as the agent loop's
// tool-call signature computation (name : hash(canonical(args))).
func CanonicalDigest(value interface{}) string {
	return digest(value)
}

// stableStringify recursively serializes value into a canonical string form
// with map keys sorted, so semantically identical values always produce
// identical output.
func stableStringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return jsonEscape(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.RawMessage:
		return stableStringifyRaw(v)
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(v))
		for _, k := range keys {
			parts = append(parts, jsonEscape(k)+":"+stableStringify(v[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, stableStringify(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return jsonEscape(fmt.Sprintf("%v", v))
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return string(raw)
		}
		return stableStringify(generic)
	}
}

// stableStringifyRaw re-parses a json.RawMessage into generic interfaces so
// map keys within it are sorted like everything else.
func stableStringifyRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return jsonEscape(string(raw))
	}
	return stableStringify(generic)
}

func jsonEscape(s string) string {
	escaped, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(escaped)
}
