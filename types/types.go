package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Status string

const (
	StatusNew      Status = "NEW"
	StatusEncoded  Status = "ENCODED"
	StatusActive   Status = "ACTIVE"
	StatusFailed   Status = "FAILED"
	StatusCollated Status = "COLLATED"
)

var allStatuses = []Status{StatusNew, StatusEncoded, StatusActive, StatusFailed, StatusCollated}

func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown run status %q", raw)
	}
	return s, nil
}

// Params is one parameter assignment, name -> value.
type Params map[string]any

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Record is one decoded simulation output keyed by output column.
type Record map[string]any

// Descriptor is a flat mapping of primitive values used to rebuild samplers,
// encoders and decoders after a restart.
type Descriptor map[string]any

func (d Descriptor) String(key string) string {
	if d == nil {
		return ""
	}
	switch v := d[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (d Descriptor) Int(key string) (int, bool) {
	if d == nil {
		return 0, false
	}
	switch v := d[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (d Descriptor) Bool(key string) bool {
	if d == nil {
		return false
	}
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// Strings reads a list value. Lists may be stored natively or as a JSON
// array string.
func (d Descriptor) Strings(key string) []string {
	if d == nil {
		return nil
	}
	switch v := d[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return nil
		}
		if strings.HasPrefix(raw, "[") {
			var out []string
			if err := json.Unmarshal([]byte(raw), &out); err == nil {
				return out
			}
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

func (d Descriptor) Clone() Descriptor {
	if d == nil {
		return nil
	}
	out := make(Descriptor, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FormatValue renders a parameter value the way it is written into input files.
func FormatValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case nil:
		return "", fmt.Errorf("value is nil")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// ToFloat converts numeric parameter values; strings are parsed.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
