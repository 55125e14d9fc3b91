package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// fieldReader reads loosely typed payload fields and remembers the ones it
// had to skip.
type fieldReader struct {
	m       map[string]any
	prefix  string
	skipped []string
}

func newFieldReader(data json.RawMessage) *fieldReader {
	r := &fieldReader{m: map[string]any{}}
	if len(data) == 0 {
		return r
	}
	if err := json.Unmarshal(data, &r.m); err != nil {
		r.skipped = append(r.skipped, "data")
	}
	if r.m == nil {
		r.m = map[string]any{}
	}
	return r
}

func (r *fieldReader) skip(key string) {
	r.skipped = append(r.skipped, r.prefix+key)
}

func (r *fieldReader) str(key string) string {
	switch v := r.m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		r.skip(key)
		return ""
	}
}

// num accepts JSON numbers and numeric strings such as "40" or "40%".
func (r *fieldReader) num(key string) *float64 {
	switch v := r.m[key].(type) {
	case nil:
		return nil
	case float64:
		return &v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%")), 64)
		if err != nil {
			r.skip(key)
			return nil
		}
		return &f
	default:
		r.skip(key)
		return nil
	}
}

func (r *fieldReader) integer(key string) int {
	if f := r.num(key); f != nil {
		return int(*f)
	}
	return 0
}

// boolean accepts JSON booleans, "true"/"false" style strings and 0/1.
func (r *fieldReader) boolean(key string) bool {
	switch v := r.m[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			r.skip(key)
		}
		return b
	case float64:
		return v != 0
	default:
		r.skip(key)
		return false
	}
}

func (r *fieldReader) object(key string) map[string]any {
	switch v := r.m[key].(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		r.skip(key)
		return nil
	}
}

func (r *fieldReader) raw(key string) json.RawMessage {
	v, ok := r.m[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.skip(key)
		return nil
	}
	return b
}

// errorText reads an error given as a string or as an object carrying
// message, detail or error.
func (r *fieldReader) errorText(key string) string {
	obj, ok := r.m[key].(map[string]any)
	if !ok {
		return r.str(key)
	}
	sub := &fieldReader{m: obj, prefix: r.prefix + key + "."}
	for _, k := range []string{"message", "detail", "error"} {
		if s := sub.str(k); s != "" {
			return s
		}
	}
	if b, err := json.Marshal(obj); err == nil && len(obj) > 0 {
		return string(b)
	}
	return ""
}

func (r *fieldReader) aggregates() Aggregates {
	return Aggregates{
		ProgressPercentage: r.num("progress_percentage"),
		QualityScore:       r.num("quality_score"),
		ConfidenceLevel:    r.num("confidence_level"),
	}
}

// inputFields reads the request fields; entries that are not objects are skipped.
func (r *fieldReader) inputFields(key string) []InputField {
	var items []any
	switch v := r.m[key].(type) {
	case nil:
		return nil
	case []any:
		items = v
	default:
		r.skip(key)
		return nil
	}
	out := make([]InputField, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			r.skip(fmt.Sprintf("%s[%d]", key, i))
			continue
		}
		f := &fieldReader{m: obj, prefix: fmt.Sprintf("%s%s[%d].", r.prefix, key, i)}
		out = append(out, InputField{
			Name:              f.str("name"),
			Label:             f.str("label"),
			Type:              f.str("type"),
			Required:          f.boolean("required"),
			Value:             obj["value"],
			Confidence:        f.num("confidence"),
			ValidationMessage: f.str("validation_message"),
		})
		r.skipped = append(r.skipped, f.skipped...)
	}
	return out
}
