package message

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/oauth2c/keystore"
)

// VerifyContext carries what verification may consult beyond the message.
type VerifyContext struct {
	// Keys are the verification keys available for signed content.
	Keys keystore.TypedKeys
}

func (vc *VerifyContext) keys() keystore.TypedKeys {
	if vc == nil {
		return nil
	}

	return vc.Keys
}

// Verify checks required fields, allowed values and the schema's own check.
// A nil context is allowed.
func (m *Message) Verify(vc *VerifyContext) error {
	for _, p := range m.params() {
		v, ok := m.fields[p.Name]
		if !ok {
			if p.Required {
				return fmt.Errorf("%s: %w: %s", m.schema.Name, ErrMissingField, p.Name)
			}

			continue
		}

		if len(p.Allowed) == 0 {
			continue
		}

		values := []string{wireString(v)}
		if list, ok := v.([]string); ok {
			values = list
		}

		for _, value := range values {
			if !slices.Contains(p.Allowed, value) {
				return fmt.Errorf("%s: %w: %s=%q", m.schema.Name, ErrInvalidValue, p.Name, value)
			}
		}
	}

	if m.schema.Check != nil {
		if err := m.schema.Check(m, vc); err != nil {
			return fmt.Errorf("%s: %w", m.schema.Name, err)
		}
	}

	return nil
}
