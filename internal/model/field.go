// Package model defines the domain types shared across the syncbridge core:
// managed fields and their tagged values, crosswalk and shadow rows, the
// conflict ledger, the sync log, and orchestrator progress documents.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ManagedField identifies one field in the closed set subject to
// reconciliation. Email is the record key and is never reconciled.
type ManagedField string

const (
	FieldFirstName ManagedField = "first_name"
	FieldLastName  ManagedField = "last_name"
	FieldPhone     ManagedField = "phone"
	FieldCity      ManagedField = "city"
	FieldCountry   ManagedField = "country"
)

// ManagedFields returns the managed field set in stable order.
func ManagedFields() []ManagedField {
	return []ManagedField{FieldFirstName, FieldLastName, FieldPhone, FieldCity, FieldCountry}
}

// mailerliteNames maps each managed field to its MailerLite field name.
// first_name maps to MailerLite's built-in "name" field; the rest are
// custom fields created once in the MailerLite account.
var mailerliteNames = map[ManagedField]string{
	FieldFirstName: "name",
	FieldLastName:  "last_name",
	FieldPhone:     "phone",
	FieldCity:      "city",
	FieldCountry:   "country",
}

// MailerLiteName returns the field name used on the MailerLite side.
func (f ManagedField) MailerLiteName() string {
	if n, ok := mailerliteNames[f]; ok {
		return n
	}
	return string(f)
}

// ParseManagedField validates a field name from an external source
// (conflict resolution requests, stored conflict rows).
func ParseManagedField(s string) (ManagedField, error) {
	for _, f := range ManagedFields() {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("model: unknown managed field %q", s)
}

// FieldValue is a tagged variant for a managed field value: either a string
// or null. The zero value is null, which keeps absent map lookups safe.
type FieldValue struct {
	Str   string
	Valid bool // false = null
}

// String returns a non-null FieldValue.
func String(s string) FieldValue { return FieldValue{Str: s, Valid: true} }

// Null returns the null FieldValue.
func Null() FieldValue { return FieldValue{} }

// Norm returns the comparison form of the value: trimmed and lower-cased.
// Null and whitespace-only values both normalize to the empty string.
// Stored values keep their original case; Norm is comparison-only.
func (v FieldValue) Norm() string {
	if !v.Valid {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v.Str))
}

// IsEmpty reports whether the value is null or normalizes to empty.
func (v FieldValue) IsEmpty() bool { return v.Norm() == "" }

// Equal compares two values in normalized form.
func (v FieldValue) Equal(o FieldValue) bool { return v.Norm() == o.Norm() }

// MarshalJSON encodes a null value as JSON null and anything else as a string.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Str)
}

// UnmarshalJSON accepts JSON null or a string.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = FieldValue{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("model: field value must be string or null: %w", err)
	}
	*v = FieldValue{Str: s, Valid: true}
	return nil
}

// Fields is a managed-field → value map. Nil lookups yield the null value.
type Fields map[ManagedField]FieldValue

// Get returns the value for f, or null when the map is nil or f is absent.
func (m Fields) Get(f ManagedField) FieldValue { return m[f] }

// Clone returns a shallow copy. Clone of nil is an empty non-nil map.
func (m Fields) Clone() Fields {
	out := make(Fields, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CanonicalEmail returns the canonical key form of an email address:
// trimmed and lower-cased. All stores key on this form.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail performs the minimal structural check the sync core relies on.
// Full RFC-5322 validation is left to the systems of record.
func ValidEmail(email string) bool {
	e := CanonicalEmail(email)
	at := strings.IndexByte(e, '@')
	return at > 0 && at < len(e)-1 && !strings.ContainsAny(e, " \t\n")
}
