// Package message implements the OAuth2 wire messages: a static schema per
// message type, construction from caller fields, urlencoded and JSON
// (de)serialization, and verification.
package message

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidValue = errors.New("invalid field value")
	ErrNotObject    = errors.New("payload is not a JSON object")
	ErrSignature    = errors.New("signature verification failed")
)

// Type is the wire shape of a parameter value.
type Type int

const (
	// String is a single string value.
	String Type = iota
	// Int is a single integer value, such as expires_in.
	Int
	// List is a space-delimited list of strings, such as scope.
	List
)

// Kind classifies a schema by the role its messages play.
type Kind int

const (
	KindRequest Kind = iota
	KindAuthorization
	KindToken
	KindError
)

// Param declares one recognized field of a schema.
type Param struct {
	Name     string
	Type     Type
	Required bool
	// Default is applied on construction when the caller supplies nothing.
	// Fields without a Default are filled from client state by request
	// builders.
	Default any
	// Allowed restricts the values accepted by Verify when non-empty.
	Allowed []string
}

// Schema is the static descriptor of a message type.
type Schema struct {
	Name   string
	Kind   Kind
	Params []Param
	// Check runs after the generic required/allowed checks.
	Check func(m *Message, vc *VerifyContext) error
}

// Param returns the declared parameter called name.
func (s *Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}

	return Param{}, false
}

// Has reports whether name is a recognized field of s.
func (s *Schema) Has(name string) bool {
	_, ok := s.Param(name)
	return ok
}

// StateBearing reports whether responses of s update grant state.
func (s *Schema) StateBearing() bool {
	return s.Kind == KindAuthorization || s.Kind == KindToken
}

func (s *Schema) String() string { return s.Name }

// Message is an instance of a schema. Values of recognized fields are held
// as string, int64 or []string according to the Param type; everything
// else lives in the extension map.
type Message struct {
	schema *Schema
	// allowed holds per-instance optional params added with AllowParam.
	allowed []Param
	fields  map[string]any
	ext     map[string]any
}

// Empty returns a message of schema with no fields set.
func Empty(schema *Schema) *Message {
	return &Message{
		schema: schema,
		fields: make(map[string]any),
		ext:    make(map[string]any),
	}
}

// New constructs a message from fields. Recognized fields are coerced to
// their declared type; unrecognized ones become extensions. Params with a
// Default that were not supplied get the default.
func New(schema *Schema, fields map[string]any) (*Message, error) {
	m := Empty(schema)

	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if err := m.Set(name, fields[name]); err != nil {
			return nil, err
		}
	}

	for _, p := range schema.Params {
		if p.Default == nil || m.Has(p.Name) {
			continue
		}

		if err := m.Set(p.Name, p.Default); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Schema returns the message's schema.
func (m *Message) Schema() *Schema { return m.schema }

// IsError reports whether m is a protocol error response.
func (m *Message) IsError() bool { return m.schema.Kind == KindError }

func (m *Message) param(name string) (Param, bool) {
	if p, ok := m.schema.Param(name); ok {
		return p, true
	}

	for _, p := range m.allowed {
		if p.Name == name {
			return p, true
		}
	}

	return Param{}, false
}

// Recognized reports whether name is a schema field of this instance.
func (m *Message) Recognized(name string) bool {
	_, ok := m.param(name)
	return ok
}

// params returns the schema params followed by per-instance allowances.
func (m *Message) params() []Param {
	if len(m.allowed) == 0 {
		return m.schema.Params
	}

	return append(slices.Clone(m.schema.Params), m.allowed...)
}

// AllowParam accepts p as an optional field on this instance only.
func (m *Message) AllowParam(p Param) {
	if m.Recognized(p.Name) {
		return
	}

	p.Required = false
	p.Default = nil
	m.allowed = append(m.allowed, p)
}

// Set assigns a field. Empty values (nil, "", empty lists) unset it.
func (m *Message) Set(name string, value any) error {
	p, ok := m.param(name)
	if !ok {
		if isEmpty(value) {
			delete(m.ext, name)
			return nil
		}

		m.ext[name] = value

		return nil
	}

	v, err := coerce(p, value)
	if err != nil {
		return err
	}

	if v == nil {
		delete(m.fields, name)
		return nil
	}

	m.fields[name] = v

	return nil
}

// Delete removes a field or extension.
func (m *Message) Delete(name string) {
	delete(m.fields, name)
	delete(m.ext, name)
}

// Has reports whether a recognized field is set.
func (m *Message) Has(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// Get returns a recognized field's value.
func (m *Message) Get(name string) (any, bool) {
	v, ok := m.fields[name]
	return v, ok
}

// String returns a string field, or "" when unset.
func (m *Message) String(name string) string {
	switch v := m.fields[name].(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, " ")
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int returns an integer field.
func (m *Message) Int(name string) (int64, bool) {
	v, ok := m.fields[name].(int64)
	return v, ok
}

// List returns a list field.
func (m *Message) List(name string) []string {
	v, _ := m.fields[name].([]string)
	return slices.Clone(v)
}

// Fields returns a copy of the recognized fields.
func (m *Message) Fields() map[string]any {
	return maps.Clone(m.fields)
}

// Extensions returns a copy of the out-of-schema fields.
func (m *Message) Extensions() map[string]any {
	return maps.Clone(m.ext)
}

// Extension returns one out-of-schema field.
func (m *Message) Extension(name string) (any, bool) {
	v, ok := m.ext[name]
	return v, ok
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// coerce converts value to the representation of p's Type. It returns
// nil for empty values.
func coerce(p Param, value any) (any, error) {
	if isEmpty(value) {
		return nil, nil
	}

	switch p.Type {
	case String:
		switch v := value.(type) {
		case string:
			return v, nil
		case []string:
			if len(v) != 1 {
				return nil, fmt.Errorf("%w: %s takes a single value, got %d", ErrInvalidValue, p.Name, len(v))
			}

			return v[0], nil
		case float64, int, int64:
			n, err := toInt(p, v)
			if err != nil {
				return nil, err
			}

			return strconv.FormatInt(n, 10), nil
		}
	case Int:
		return toInt(p, value)
	case List:
		switch v := value.(type) {
		case string:
			return strings.Fields(v), nil
		case []string:
			return slices.Clone(v), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%w: %s has non-string element %v", ErrInvalidValue, p.Name, item)
				}

				out = append(out, s)
			}

			return out, nil
		}
	}

	return nil, fmt.Errorf("%w: %s cannot hold %T", ErrInvalidValue, p.Name, value)
}

func toInt(p Param, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, p.Name)
		}

		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidValue, p.Name, err)
		}

		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s cannot hold %T", ErrInvalidValue, p.Name, value)
	}
}
