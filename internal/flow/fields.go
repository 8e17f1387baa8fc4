package flow

// Field keys used inside the accumulated answer set. The camelCase names are
// kept from the hosted form so persisted sessions stay readable alongside it.
const (
	FieldName          = "name"
	FieldEmail         = "email"
	FieldPhone         = "phone"
	FieldTermsAccepted = "termsAccepted"
	FieldContactID     = "contactId"
	FieldDealID        = "dealId"
	FieldSmsCode       = "smsCode"
	FieldDocumentType  = "documentType"
	FieldCPF           = "cpf"
	FieldCNPJ          = "cnpj"
	FieldCoupon        = "coupon"
	FieldReferral      = "referralCoupon"
	FieldAttribution   = "urlParams"

	// FieldEmailConfirmRequired flags that the backend asked the applicant to
	// double-check the email before retrying lead creation.
	FieldEmailConfirmRequired = "isEmailConfirmationRequired"

	// ErrorKeyGeneral is the reserved key for errors not tied to one field.
	ErrorKeyGeneral = "general"
)

// Attribution carries the campaign parameters captured when the applicant
// landed on the form (utm_* and ad click ids).
type Attribution map[string]string

// FileUpload is an energy-bill file attached when the applicant does not know
// the bill owner's CPF.
type FileUpload struct {
	Name        string
	ContentType string
	Content     []byte
}

// StepPayload is the closed set of validated per-step inputs. The engine
// switches over the concrete types, so adding a step means the compiler
// points at every dispatch site.
type StepPayload interface {
	isStepPayload()
}

func (PersonalData) isStepPayload()  {}
func (SmsValidation) isStepPayload() {}
func (Document) isStepPayload()      {}
func (Contract) isStepPayload()      {}

// StepValidator checks the raw input of the active step and returns either a
// typed payload or a field-keyed error map. Implementations must be
// synchronous and perform no I/O.
type StepValidator interface {
	Validate(step Step, cfg Config, values map[string]any) (StepPayload, map[string]string)
}

// PersonalData is the validated payload of the personal-data step.
type PersonalData struct {
	Name           string
	Email          string
	Phone          string
	TermsAccepted  bool
	EmailConfirmed bool
}

// SmsValidation is the validated payload of the SMS verification step.
type SmsValidation struct {
	Code string
}

// Document is the validated payload of the document step. Exactly one of the
// branches is populated, mirroring the conditional form tree: a CNPJ, the
// applicant's own CPF, the bill owner's CPF, or an uploaded bill when the
// owner's CPF is unknown.
type Document struct {
	Type DocumentType

	CNPJ string

	IsBillOwner          bool
	MyCPF                string
	BillOwnerCPF         string
	DontKnowBillOwnerCPF bool
	BillFile             *FileUpload
}

// Contract is the validated payload of the contract-acceptance step.
type Contract struct {
	Coupon        string
	TermsAccepted bool
}
