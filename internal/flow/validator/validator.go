// Package validator implements the per-step input validation of the adhesion
// form. Structural checks run through the shared validation schemas; the
// conditional document tree and the CPF checksum are layered on top. Error
// messages are the pt-BR texts shown to the applicant, exactly as the hosted
// form displays them.
package validator

import (
	"strings"

	"adhesion-flow/internal/common/validation"
	"adhesion-flow/internal/flow"
)

// Validator is the default flow.StepValidator.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate dispatches to the active step's rules. The completion step accepts
// no input and always validates to a nil payload.
func (v *Validator) Validate(step flow.Step, cfg flow.Config, values map[string]any) (flow.StepPayload, map[string]string) {
	switch step {
	case flow.StepPersonalData:
		return v.validatePersonalData(values)
	case flow.StepSmsValidation:
		return v.validateSmsCode(values)
	case flow.StepDocument:
		return v.validateDocument(cfg, values)
	case flow.StepContract:
		return v.validateContract(values)
	case flow.StepComplete:
		return nil, nil
	default:
		return nil, map[string]string{flow.ErrorKeyGeneral: "Etapa desconhecida."}
	}
}

func (v *Validator) validatePersonalData(values map[string]any) (flow.StepPayload, map[string]string) {
	result := validation.ValidateInput(pick(values,
		flow.FieldName, flow.FieldEmail, flow.FieldPhone, flow.FieldTermsAccepted,
	), personalDataSchema)
	errs := result.FieldErrors()

	for field, msg := range requiredMessages {
		if s, _ := values[field].(string); strings.TrimSpace(s) == "" {
			errs[field] = msg
		}
	}

	name, _ := values[flow.FieldName].(string)
	if _, bad := errs[flow.FieldName]; !bad && len(strings.Fields(strings.TrimSpace(name))) < 2 {
		errs[flow.FieldName] = "Por favor, insira seu nome e sobrenome."
	}

	phone, _ := values[flow.FieldPhone].(string)
	if _, bad := errs[flow.FieldPhone]; !bad && len(onlyDigits(phone)) < 10 {
		errs[flow.FieldPhone] = "O telefone deve ter no mínimo 10 dígitos."
	}

	terms, _ := values[flow.FieldTermsAccepted].(bool)
	if !terms {
		errs[flow.FieldTermsAccepted] = "Você precisa aceitar os termos para continuar."
	}

	// The acknowledgement checkbox only exists after the backend asked the
	// applicant to double-check the email.
	confirmRequired, _ := values[flow.FieldEmailConfirmRequired].(bool)
	emailConfirmed, _ := values["emailConfirmed"].(bool)
	if confirmRequired && !emailConfirmed {
		errs["emailConfirmed"] = "Por favor, confirme que seu e-mail está correto."
	}

	if len(errs) > 0 {
		return nil, errs
	}

	email, _ := values[flow.FieldEmail].(string)
	return flow.PersonalData{
		Name:           strings.TrimSpace(name),
		Email:          strings.TrimSpace(email),
		Phone:          phone,
		TermsAccepted:  terms,
		EmailConfirmed: emailConfirmed,
	}, nil
}

func (v *Validator) validateSmsCode(values map[string]any) (flow.StepPayload, map[string]string) {
	code, _ := values[flow.FieldSmsCode].(string)
	if len(code) != 6 || onlyDigits(code) != code {
		return nil, map[string]string{flow.FieldSmsCode: "O código deve ter 6 dígitos."}
	}
	return flow.SmsValidation{Code: code}, nil
}

func (v *Validator) validateDocument(cfg flow.Config, values map[string]any) (flow.StepPayload, map[string]string) {
	docType, _ := values[flow.FieldDocumentType].(string)
	selected := flow.DocumentType(docType)

	switch cfg.DocumentType {
	case flow.DocumentCPF:
		selected = flow.DocumentCPF
	case flow.DocumentCNPJ:
		selected = flow.DocumentCNPJ
	default:
		if selected != flow.DocumentCPF && selected != flow.DocumentCNPJ {
			return nil, map[string]string{flow.FieldDocumentType: "Selecione uma opção."}
		}
	}

	if selected == flow.DocumentCNPJ {
		cnpj, _ := values[flow.FieldCNPJ].(string)
		if onlyDigits(cnpj) == "" {
			return nil, map[string]string{flow.FieldCNPJ: "CNPJ inválido."}
		}
		return flow.Document{Type: flow.DocumentCNPJ, CNPJ: cnpj}, nil
	}

	isBillOwner, isBillOwnerSet := values["isBillOwner"].(bool)
	if !isBillOwnerSet {
		return nil, map[string]string{"isBillOwner": "Selecione uma opção."}
	}

	if isBillOwner {
		myCpf, _ := values["myCpf"].(string)
		if !ValidCPF(myCpf) {
			return nil, map[string]string{"myCpf": "Seu CPF é inválido."}
		}
		return flow.Document{Type: flow.DocumentCPF, IsBillOwner: true, MyCPF: myCpf}, nil
	}

	dontKnow, _ := values["dontKnowBillOwnerCpf"].(bool)
	if dontKnow {
		file, _ := values["billFile"].(*flow.FileUpload)
		if file == nil || len(file.Content) == 0 {
			return nil, map[string]string{"billFile": "O envio da conta de luz é obrigatório."}
		}
		return flow.Document{Type: flow.DocumentCPF, DontKnowBillOwnerCPF: true, BillFile: file}, nil
	}

	ownerCpf, _ := values["billOwnerCpf"].(string)
	if !ValidCPF(ownerCpf) {
		return nil, map[string]string{"billOwnerCpf": "CPF do titular inválido."}
	}
	return flow.Document{Type: flow.DocumentCPF, BillOwnerCPF: ownerCpf}, nil
}

func (v *Validator) validateContract(values map[string]any) (flow.StepPayload, map[string]string) {
	errs := map[string]string{}

	coupon, _ := values[flow.FieldCoupon].(string)
	if len(coupon) > 30 {
		errs[flow.FieldCoupon] = "O cupom não pode ter mais de 30 caracteres."
	}

	terms, _ := values["termsAcceptedStep4"].(bool)
	if !terms {
		errs["termsAcceptedStep4"] = "Você precisa aceitar o termo de adesão para finalizar."
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return flow.Contract{Coupon: strings.ToUpper(strings.TrimSpace(coupon)), TermsAccepted: terms}, nil
}

func pick(values map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
