// Package patient holds the user/patient profile consumed by the prescription
// workflow and the Address value object parsed at the system boundary.
package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is the authorization role of a user.
type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether r can act on prescriptions it does not own.
func (r Role) IsStaff() bool { return r == RoleStaff || r == RoleAdmin }

// ErrAmbiguousAddress is returned when a stored or submitted address is not
// a JSON object.
var ErrAmbiguousAddress = errors.New("address must be an object")

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("patient not found")

// Address is a postal address.
type Address struct {
	Street       string `json:"street,omitempty" validate:"max=200"`
	Number       string `json:"number,omitempty" validate:"max=20"`
	Complement   string `json:"complement,omitempty" validate:"max=100"`
	Neighborhood string `json:"neighborhood,omitempty" validate:"max=100"`
	City         string `json:"city,omitempty" validate:"max=100"`
	State        string `json:"state,omitempty" validate:"max=50"`
	PostalCode   string `json:"postalCode,omitempty" validate:"max=9"`
}

// IsZero reports whether no field is set.
func (a Address) IsZero() bool { return a == Address{} }

// IsComplete reports whether the address can be used for delivery paperwork.
func (a Address) IsComplete() bool {
	return strings.TrimSpace(a.Street) != "" && strings.TrimSpace(a.City) != ""
}

// String renders the address on one line.
func (a Address) String() string {
	parts := make([]string, 0, 6)
	street := strings.TrimSpace(a.Street)
	if n := strings.TrimSpace(a.Number); n != "" && street != "" {
		street += ", " + n
	}
	for _, p := range []string{street, a.Complement, a.Neighborhood, a.City, a.State, a.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " - ")
}

// ParseAddress decodes raw JSON into an Address. null or empty input yields
// the zero Address; any shape other than an object, or an object with unknown
// keys, is rejected.
func ParseAddress(raw json.RawMessage) (Address, error) {
	type plain Address

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Address{}, nil
	}
	if trimmed[0] != '{' {
		return Address{}, ErrAmbiguousAddress
	}

	var p plain
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Address{}, fmt.Errorf("decode address: %w", err)
	}
	return Address(p), nil
}

// UnmarshalJSON routes every decode through ParseAddress.
func (a *Address) UnmarshalJSON(data []byte) error {
	parsed, err := ParseAddress(data)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Patient is the identity snapshot source for a prescription request.
type Patient struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone,omitempty"`
	NationalID string  `json:"nationalId,omitempty"`
	Address    Address `json:"address"`
	Role       Role    `json:"role"`
}
