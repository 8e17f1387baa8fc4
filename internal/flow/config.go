package flow

import "fmt"

// DocumentType restricts which tax-document variant the document step offers.
type DocumentType string

const (
	// DocumentCPF limits the flow to individual (CPF) signups.
	DocumentCPF DocumentType = "cpf"
	// DocumentCNPJ limits the flow to business (CNPJ) signups.
	DocumentCNPJ DocumentType = "cnpj"
	// DocumentEither lets the applicant choose between CPF and CNPJ.
	DocumentEither DocumentType = "either"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocumentCPF, DocumentCNPJ, DocumentEither:
		return true
	}
	return false
}

// Config describes one flow variant: which steps run, in which order, and
// which document type the document step accepts. It is consumed once, at
// engine construction.
type Config struct {
	Steps        []Step       `mapstructure:"steps"`
	DocumentType DocumentType `mapstructure:"document_type"`
}

func (c Config) Validate() error {
	if err := ValidateSequence(c.Steps); err != nil {
		return err
	}
	if !c.DocumentType.Valid() {
		return fmt.Errorf("unknown document type %q", c.DocumentType)
	}
	return nil
}

// Flow presets matching the published form variants.

func DefaultConfig() Config {
	return Config{
		Steps:        []Step{StepPersonalData, StepSmsValidation, StepDocument, StepContract, StepComplete},
		DocumentType: DocumentEither,
	}
}

func CPFOnlyConfig() Config {
	cfg := DefaultConfig()
	cfg.DocumentType = DocumentCPF
	return cfg
}

func CNPJOnlyConfig() Config {
	cfg := DefaultConfig()
	cfg.DocumentType = DocumentCNPJ
	return cfg
}

// NoSMSConfig skips phone verification entirely.
func NoSMSConfig() Config {
	return Config{
		Steps:        []Step{StepPersonalData, StepDocument, StepContract, StepComplete},
		DocumentType: DocumentEither,
	}
}

// QuickCaptureConfig collects personal data only and jumps straight to the
// completion screen.
func QuickCaptureConfig() Config {
	return Config{
		Steps:        []Step{StepPersonalData, StepComplete},
		DocumentType: DocumentEither,
	}
}

// Preset resolves a named flow variant from configuration.
func Preset(name string) (Config, error) {
	switch name {
	case "", "default":
		return DefaultConfig(), nil
	case "cpf_only":
		return CPFOnlyConfig(), nil
	case "cnpj_only":
		return CNPJOnlyConfig(), nil
	case "no_sms":
		return NoSMSConfig(), nil
	case "quick_capture":
		return QuickCaptureConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown flow preset %q", name)
	}
}
