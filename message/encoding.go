package message

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Values returns the urlencoded form of m. Extensions are included only
// when extended is true.
func (m *Message) Values(extended bool) url.Values {
	vals := url.Values{}

	for _, p := range m.params() {
		v, ok := m.fields[p.Name]
		if !ok {
			continue
		}

		vals.Set(p.Name, wireString(v))
	}

	if !extended {
		return vals
	}

	for name, v := range m.ext {
		if vals.Has(name) {
			continue
		}

		switch ev := v.(type) {
		case []string:
			for _, item := range ev {
				vals.Add(name, item)
			}
		default:
			vals.Set(name, wireString(v))
		}
	}

	return vals
}

// URLEncode serializes m as application/x-www-form-urlencoded.
func (m *Message) URLEncode(extended bool) string {
	return m.Values(extended).Encode()
}

// JSON serializes m, extensions included. Lists are space-joined strings
// and integers are JSON numbers.
func (m *Message) JSON() ([]byte, error) {
	return json.Marshal(m.toMap())
}

func (m *Message) toMap() map[string]any {
	out := make(map[string]any, len(m.fields)+len(m.ext))
	maps.Copy(out, m.ext)

	for name, v := range m.fields {
		switch fv := v.(type) {
		case []string:
			out[name] = strings.Join(fv, " ")
		default:
			out[name] = fv
		}
	}

	return out
}

func wireString(v any) string {
	switch fv := v.(type) {
	case string:
		return fv
	case []string:
		return strings.Join(fv, " ")
	case int64:
		return strconv.FormatInt(fv, 10)
	default:
		return fmt.Sprint(fv)
	}
}

// ParseURLEncoded decodes a query string into a message of schema. Unknown
// fields are kept as extensions only when extended is true.
func ParseURLEncoded(schema *Schema, text string, extended bool) (*Message, error) {
	vals, err := url.ParseQuery(text)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing query: %w", schema.Name, err)
	}

	m := Empty(schema)

	for _, name := range slices.Sorted(maps.Keys(vals)) {
		v := vals[name]

		p, ok := schema.Param(name)
		if !ok {
			if !extended {
				continue
			}

			if len(v) == 1 {
				m.ext[name] = v[0]
			} else {
				m.ext[name] = slices.Clone(v)
			}

			continue
		}

		var value any = v

		switch {
		case p.Type == List:
			value = strings.Join(v, " ")
		case len(v) == 1:
			value = v[0]
		}

		if err := m.Set(name, value); err != nil {
			return nil, fmt.Errorf("%s: %w", schema.Name, err)
		}
	}

	return m, nil
}

// ParseJSON decodes a JSON object into a message of schema. Unknown fields
// are kept as extensions only when extended is true.
func ParseJSON(schema *Schema, data []byte, extended bool) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: invalid JSON", schema.Name)
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%s: %w", schema.Name, ErrNotObject)
	}

	m := Empty(schema)

	var setErr error

	doc.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if !schema.Has(name) {
			if extended && value.Type != gjson.Null {
				m.ext[name] = value.Value()
			}

			return true
		}

		if err := m.Set(name, value.Value()); err != nil {
			setErr = err
			return false
		}

		return true
	})

	if setErr != nil {
		return nil, fmt.Errorf("%s: %w", schema.Name, setErr)
	}

	return m, nil
}

// FromMap builds a message of schema from decoded claims, such as a JWT
// payload, without applying defaults.
func FromMap(schema *Schema, fields map[string]any, extended bool) (*Message, error) {
	m := Empty(schema)

	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if !schema.Has(name) && !extended {
			continue
		}

		if err := m.Set(name, fields[name]); err != nil {
			return nil, fmt.Errorf("%s: %w", schema.Name, err)
		}
	}

	return m, nil
}
