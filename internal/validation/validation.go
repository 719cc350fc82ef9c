// Package validation provides the document and contact checks used when a
// prescription is delivered by email: CPF checksum, CEP shape and email syntax.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Tag names registered on validators returned by New.
const (
	TagCPF = "cpf"
	TagCEP = "cep"
)

var std = New()

// New returns a validator with the cpf and cep tags registered.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation(TagCPF, func(fl validator.FieldLevel) bool {
		return CPF(fl.Field().String())
	})
	_ = v.RegisterValidation(TagCEP, func(fl validator.FieldLevel) bool {
		return PostalCode(fl.Field().String())
	})
	return v
}

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CPF reports whether s is a well-formed CPF with valid check digits.
// Punctuation ("529.982.247-25") is accepted.
func CPF(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != ' ' {
			return false
		}
	}
	d := Digits(s)
	if len(d) != 11 {
		return false
	}

	// Sequences like 000.000.000-00 pass the checksum but are not issued.
	allSame := true
	for i := 1; i < len(d); i++ {
		if d[i] != d[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}

	return checkDigit(d[:9], 10) == int(d[9]-'0') &&
		checkDigit(d[:10], 11) == int(d[10]-'0')
}

func checkDigit(digits string, weight int) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * (weight - i)
	}
	r := (sum * 10) % 11
	if r == 10 {
		return 0
	}
	return r
}

// PostalCode reports whether s is an 8-digit CEP, optionally written as
// "01310-100".
func PostalCode(s string) bool {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 8:
		return Digits(s) == s
	case 9:
		return s[5] == '-' && Digits(s) == s[:5]+s[6:]
	default:
		return false
	}
}

// Messages flattens validator errors into "field: rule" strings. Other
// errors are returned as a single message.
func Messages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fe.Field()+": "+rule)
	}
	return out
}

// Email reports whether s is a syntactically valid email address.
func Email(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	return std.Var(s, "email") == nil
}
