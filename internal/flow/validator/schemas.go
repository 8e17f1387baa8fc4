package validator

import "adhesion-flow/internal/common/validation"

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

// Patterns ported from the hosted form: accented letters for names, the
// Brazilian (XX) XXXXX-XXXX phone shape with optional separators.
var (
	namePattern  = strPtr(`^[a-zA-ZÀ-ÿ´` + "`" + `~^. ]+$`)
	emailPattern = strPtr(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = strPtr(`^(?:\(?([0-9]{2})\)?\s?)?(?:((?:9\d|[2-9])\d{3})-?(\d{4}))$`)
)

// Required-field messages shown when a field is absent or empty; pattern
// violations use the per-property messages below.
var requiredMessages = map[string]string{
	"name":  "O nome completo é obrigatório.",
	"email": "O e-mail é obrigatório.",
	"phone": "O telefone é obrigatório.",
}

var personalDataSchema = validation.Schema{
	AdditionalProperties: true,
	Properties: map[string]validation.Property{
		"name": {
			Type:      "string",
			MinLength: intPtr(3),
			Pattern:   namePattern,
			Message:   "O nome deve conter apenas letras e espaços.",
		},
		"email": {
			Type:    "string",
			Pattern: emailPattern,
			Message: "Formato de e-mail inválido. Verifique o e-mail digitado.",
		},
		"phone": {
			Type:    "string",
			Pattern: phonePattern,
			Message: "Formato de telefone inválido. Use (XX) XXXXX-XXXX.",
		},
		"termsAccepted": {
			Type:    "boolean",
			Message: "Você precisa aceitar os termos para continuar.",
		},
	},
}
