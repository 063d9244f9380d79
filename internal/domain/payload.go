package domain

import (
	"bytes"
	"database/sql/driver"
	"fmt"
)

// Payload is an opaque JSON document stored in a JSONB column.
// A nil Payload is SQL NULL and JSON null.
type Payload []byte

// MarshalJSON emits the document verbatim
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON keeps a copy of the raw document
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Value sends the document as text so Postgres can cast it to jsonb
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return string(p), nil
}

// Scan reads a json/jsonb column
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	return nil
}
