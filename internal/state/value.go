package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/witnz/sovereign/internal/hash"
)

// Value is an opaque JSON document. The store never looks inside it beyond
// the canonical encoding used for the root.
type Value []byte

// NullValue is the JSON null document.
var NullValue = Value("null")

// NewValue marshals v into a compact Value.
func NewValue(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Value(data), nil
}

// MustValue is NewValue for literals known to marshal.
func MustValue(v any) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ParseValue validates raw JSON and returns its compact form.
func ParseValue(raw []byte) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid json value: %w", err)
	}
	return Value(buf.Bytes()), nil
}

func (v Value) Decode(dst any) error {
	return json.Unmarshal(v.orNull(), dst)
}

// Equal reports whether both documents have the same canonical encoding.
func (v Value) Equal(other Value) bool {
	a, err := hash.CanonicalJSON(v.orNull())
	if err != nil {
		return false
	}
	b, err := hash.CanonicalJSON(other.orNull())
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (v Value) String() string {
	return string(v.orNull())
}

func (v Value) MarshalJSON() ([]byte, error) {
	return v.orNull(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if v == nil {
		return fmt.Errorf("state: UnmarshalJSON on nil pointer")
	}
	*v = append((*v)[:0], data...)
	return nil
}

func (v Value) orNull() []byte {
	if len(v) == 0 {
		return NullValue
	}
	return v
}
