package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPF(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"529.982.247-25", true},
		{"52998224725", true},
		{"529.982.247-26", false},
		{"111.111.111-11", false},
		{"1234567890", false},
		{"abc.982.247-25", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CPF(tt.in), "CPF(%q)", tt.in)
	}
}

func TestPostalCode(t *testing.T) {
	assert.True(t, PostalCode("01310100"))
	assert.True(t, PostalCode("01310-100"))
	assert.False(t, PostalCode("0131010"))
	assert.False(t, PostalCode("013101000"))
	assert.False(t, PostalCode("0131a100"))
	assert.False(t, PostalCode("013-10100"))
}

func TestEmail(t *testing.T) {
	assert.True(t, Email("maria@example.com"))
	assert.False(t, Email("maria@"))
	assert.False(t, Email("  "))
}

func TestNew_RegistersTags(t *testing.T) {
	type contact struct {
		NationalID string `validate:"required,cpf"`
		PostalCode string `validate:"required,cep"`
	}

	v := New()
	require.NoError(t, v.Struct(contact{NationalID: "52998224725", PostalCode: "01310-100"}))
	assert.Error(t, v.Struct(contact{NationalID: "52998224726", PostalCode: "01310-100"}))
	assert.Error(t, v.Struct(contact{NationalID: "52998224725", PostalCode: "1310"}))
}

func TestMessages_UsesJSONNames(t *testing.T) {
	type input struct {
		MedicationName string `json:"medicationName" validate:"required,max=5"`
	}

	err := New().Struct(input{MedicationName: "Rivotril"})
	require.Error(t, err)
	assert.Equal(t, []string{"medicationName: max=5"}, Messages(err))
}
