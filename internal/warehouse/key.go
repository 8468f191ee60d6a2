package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey converts a natural key value to a canonical string form,
// suitable for in-memory maps (e.g. "Germany" or "8429529").
//
// Backends must not assume a particular underlying type for keys; the same
// key can scan as int64 from Postgres and as TEXT from SQLite, and both must
// land on the same map entry.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		// Integral floats normalize like ints so CSV-parsed values and DB
		// integers agree on the same map entry.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// EqualScalar compares two scalar attribute values across the type
// round-trips database/sql introduces (TEXT scanning as []byte or string,
// integers widening to int64). Timestamps compare by instant, not location.
func EqualScalar(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}

	switch av := a.(type) {
	case []byte:
		switch bv := b.(type) {
		case []byte:
			return string(av) == string(bv)
		case string:
			return string(av) == bv
		}
	case string:
		switch bv := b.(type) {
		case []byte:
			return av == string(bv)
		case string:
			return av == bv
		}
	}

	return NormalizeKey(a) == NormalizeKey(b)
}
