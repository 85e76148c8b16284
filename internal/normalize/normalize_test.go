package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCNPJ(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"formatted", "12.345.678/0001-95", "12345678000195"},
		{"bare digits", "12345678000195", "12345678000195"},
		{"too short", "1234567", ""},
		{"too long", "123456780001951", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CNPJ(tt.input))
		})
	}
}

func TestPhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"international free text", "+55 (11) 98765-4321", "11987654321"},
		{"local", "(11) 98765-4321", "11987654321"},
		{"bare", "11987654321", "11987654321"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Phone(tt.input))
		})
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://www.acme.com.br/sobre", "acme.com.br"},
		{"http://acme.com.br", "acme.com.br"},
		{"ACME.com.br", "acme.com.br"},
		{"acme.com.br:8080", "acme.com.br"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Domain(tt.input))
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Acme Soluções Ltda", "ACME SOLUCOES"},
		{"ACME SOLUCOES LTDA.", "ACME SOLUCOES"},
		{"  João   da Silva  ", "JOAO DA SILVA"},
		{"Indústrias Reunidas S/A", "INDUSTRIAS REUNIDAS"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Name(tt.input))
	}
}

func TestNameKeysCollide(t *testing.T) {
	// Same person reported by two providers with different casing/accents
	// must share a dedup key.
	assert.Equal(t, Name("José Ferreira"), Name("JOSE FERREIRA"))
}

func TestCNAECode(t *testing.T) {
	assert.Equal(t, "6201501", CNAECode("62.01-5-01"))
	assert.Equal(t, "6201501", CNAECode("6201501"))
}
