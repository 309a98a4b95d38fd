package store

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pulsar-io/beacon/internal/value"
)

// decodeScalar implements spec.md §4.6's read-side value encoding rules:
// try a flexible boolean parse, then a tolerant numeric parse, then JSON,
// falling back to the raw string. Because "yes"/"1" decode to Bool(true)
// here, they compare equal to a literal `true` in the evaluator's
// comparison leaf; that leaf compares typed values and does not call
// ParseBool itself.
//
// The JSON branch uses gjson.Valid/IsObject as a cheap structural check
// before paying for a full encoding/json.Unmarshal: most snapshot reads are
// scalars, so rejecting non-JSON strings (plain text, malformed fragments)
// without an allocation and an error return keeps the hot path - a full
// input:*/output:* scan every cycle - off the error path entirely.
func decodeScalar(raw string) value.Value {
	if b, ok := ParseBool(raw); ok {
		return value.Bool(b)
	}
	if n, ok := parseTolerantFloat(raw); ok {
		return value.Number(n)
	}
	if gjson.Valid(raw) && gjson.Parse(raw).IsObject() {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return value.Object(obj)
		}
	}
	return value.String(raw)
}

// ParseBool implements the flexible boolean predicate used by the store's
// decode path: true/false/1/0/yes/no, case-insensitive. The evaluator does
// not call it.
func ParseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

// parseTolerantFloat accepts both "." and "," as the decimal separator, per
// spec.md §6.2.
func parseTolerantFloat(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	// A comma decimal separator never coexists with a literal "." in the
	// same numeral in this wire format, so a blind replace is safe.
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// encodeScalar implements the write-side canonical serialization: lowercase
// booleans, canonical decimal numbers, JSON for objects.
func encodeScalar(v value.Value) (string, error) {
	switch v.Kind {
	case value.KindBool:
		if v.Bool {
			return "true", nil
		}
		return "false", nil
	case value.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64), nil
	case value.KindString:
		return v.Str, nil
	case value.KindObject:
		b, err := json.Marshal(v.Obj)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", nil
	}
}
