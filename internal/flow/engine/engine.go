// Package engine orchestrates the adhesion signup flow: it validates the
// active step's input, dispatches to the matching backend operation,
// interprets the outcome, mutates the form store and decides where the flow
// goes next — including the resume jump for applicants who already exist in
// the CRM.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	stderrors "adhesion-flow/internal/common/errors"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/common/metrics"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/navigation"
	"adhesion-flow/internal/flow/remote"
	"adhesion-flow/internal/flow/store"
)

// Outcome classifies what one submission did to the flow.
type Outcome string

const (
	OutcomeAdvanced         Outcome = "advanced"
	OutcomeResumed          Outcome = "resumed"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeFailed           Outcome = "failed"
	OutcomeNoop             Outcome = "noop"
)

// Result reports the effect of a submission. Step is the active step after
// processing; FieldErrors mirrors what was written to the store.
type Result struct {
	Outcome     Outcome           `json:"outcome"`
	Step        flow.Step         `json:"step"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// Callbacks are the engine's outward signals. OnSubmitSuccess fires exactly
// once, at contract acceptance, even though a completion step still follows.
type Callbacks struct {
	OnStepChange    func(step flow.Step)
	OnSubmitSuccess func(lead *remote.LeadSnapshot)
	OnSubmitError   func(message string)
}

// Options wires an engine instance.
type Options struct {
	Config      flow.Config
	Operations  remote.Operations
	Validator   flow.StepValidator
	Logger      logger.Logger
	Callbacks   Callbacks
	Attribution flow.Attribution

	// ResendCooldownSeconds overrides the default 60s SMS resend cooldown.
	ResendCooldownSeconds int
}

// Engine is the step orchestrator. One engine drives one signup; its store is
// the only shared mutable state and every mutation funnels through here or
// the navigation controller.
type Engine struct {
	cfg       flow.Config
	store     *store.Store
	nav       *navigation.Controller
	validator flow.StepValidator
	ops       remote.Operations
	logger    logger.Logger
	callbacks Callbacks

	cooldownSeconds int
	cooldownMu      sync.Mutex
	resendCooldown  int
	cooldownTicking bool

	// tickInterval is one second in production; tests drive tickCooldown
	// directly instead of waiting.
	tickInterval time.Duration
}

func New(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow configuration: %w", err)
	}
	if opts.Operations == nil {
		return nil, fmt.Errorf("remote operations are required")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("step validator is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}

	cooldown := opts.ResendCooldownSeconds
	if cooldown <= 0 {
		cooldown = 60
	}

	initial := map[string]any{
		flow.FieldEmailConfirmRequired: false,
	}
	if len(opts.Attribution) > 0 {
		initial[flow.FieldAttribution] = opts.Attribution
	}

	s := store.New(opts.Config.Steps, initial)
	return &Engine{
		cfg:             opts.Config,
		store:           s,
		nav:             navigation.NewController(s),
		validator:       opts.Validator,
		ops:             opts.Operations,
		logger:          log,
		callbacks:       opts.Callbacks,
		cooldownSeconds: cooldown,
		tickInterval:    time.Second,
	}, nil
}

// Store exposes the underlying form store for persistence and inspection.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Navigation derives the current navigation facts.
func (e *Engine) Navigation() (navigation.State, error) {
	return e.nav.State()
}

// GoToStep forwards to the navigation primitive (member steps only).
func (e *Engine) GoToStep(step flow.Step) {
	e.nav.GoToStep(step)
}

// PreviousStep retreats one step; the form allows going back freely.
func (e *Engine) PreviousStep() {
	e.nav.PreviousStep()
}

// Reset restores construction-time defaults, clearing any resume progress.
func (e *Engine) Reset() {
	e.store.Reset()
}

// Submit runs the active step: validation first (synchronously, never
// touching the network on failure), then the step's backend operation.
// Failures of any class are absorbed into the store's error map; the flow
// only ever moves on success or on the silent existing-user resume.
func (e *Engine) Submit(ctx context.Context, values map[string]any) Result {
	snap := e.store.Snapshot()
	step := snap.CurrentStep

	startTime := time.Now()
	metrics.SubmissionsActive.WithLabelValues(step.String()).Inc()
	defer metrics.SubmissionsActive.WithLabelValues(step.String()).Dec()
	defer func() {
		metrics.StepSubmissionDuration.WithLabelValues(step.String()).Observe(time.Since(startTime).Seconds())
	}()
	metrics.StepSubmissionsTotal.WithLabelValues(step.String()).Inc()

	// The confirmation flag is engine state, not applicant input; the
	// validator sees it alongside the submitted values.
	if required, _ := snap.Fields[flow.FieldEmailConfirmRequired].(bool); required && step == flow.StepPersonalData {
		overlaid := make(map[string]any, len(values)+1)
		for k, v := range values {
			overlaid[k] = v
		}
		overlaid[flow.FieldEmailConfirmRequired] = true
		values = overlaid
	}

	payload, fieldErrs := e.validator.Validate(step, e.cfg, values)
	if len(fieldErrs) > 0 {
		e.store.SetErrors(fieldErrs)
		metrics.StepSubmissionsFailed.WithLabelValues(step.String(), string(stderrors.ErrCodeValidationFailed)).Inc()
		e.logger.Debug("Step input rejected by validator", map[string]interface{}{
			"step":   step.String(),
			"fields": len(fieldErrs),
		})
		return Result{Outcome: OutcomeValidationFailed, Step: step, FieldErrors: fieldErrs}
	}

	if step == flow.StepComplete {
		// The completion step has no submission; it only derives the
		// referral coupon once a lead id is available.
		e.ensureReferralCoupon()
		return Result{Outcome: OutcomeNoop, Step: step}
	}

	e.store.SetSubmitting(true)
	e.store.ClearErrors()
	defer e.store.SetSubmitting(false)

	var result Result
	switch p := payload.(type) {
	case flow.PersonalData:
		result = e.submitPersonalData(ctx, p, snap)
	case flow.SmsValidation:
		result = e.submitSmsCode(ctx, p, snap)
	case flow.Document:
		result = e.submitDocument(ctx, p, snap)
	case flow.Contract:
		result = e.submitContract(ctx, p, snap)
	default:
		// Unreachable while the validator covers every submitting step.
		result = e.generalFailure(step, "Etapa desconhecida.", stderrors.ErrCodeStepNotInSequence)
	}
	return result
}

func (e *Engine) submitPersonalData(ctx context.Context, p flow.PersonalData, snap store.Snapshot) Result {
	firstName, lastName := splitName(p.Name)

	req := remote.CreateLeadRequest{
		FirstName:   firstName,
		LastName:    lastName,
		Name:        p.Name,
		Email:       p.Email,
		Phone:       p.Phone,
		Attribution: attributionField(snap.Fields[flow.FieldAttribution]),
		Attempt:     snap.Attempt,
	}

	lead, err := e.ops.CreateLead(ctx, req)
	if err == nil {
		e.store.MergeFields(map[string]any{
			flow.FieldName:          p.Name,
			flow.FieldEmail:         p.Email,
			flow.FieldPhone:         p.Phone,
			flow.FieldTermsAccepted: true,
			flow.FieldContactID:     lead.LeadID,
			flow.FieldDealID:        lead.DealID,
		})
		e.logger.Info("Lead created", map[string]interface{}{
			"contactId": lead.LeadID,
			"dealId":    lead.DealID,
			"attempt":   snap.Attempt,
		})
		return e.advance(flow.StepPersonalData)
	}

	var rej *remote.Rejection
	if errors.As(err, &rej) {
		switch rej.Code {
		case remote.CodeUserAlreadyExists:
			return e.resumeExistingUser(ctx, p)
		case remote.CodeConfirmEmail, remote.CodeDidYouMeanEmail:
			msg := rej.Hint
			if msg == "" {
				msg = "Por favor, confirme que seu e-mail está correto."
			}
			e.store.SetErrors(map[string]string{flow.FieldEmail: msg})
			e.store.SetAttempt(snap.Attempt + 1)
			e.store.MergeFields(map[string]any{flow.FieldEmailConfirmRequired: true})
			metrics.StepSubmissionsFailed.WithLabelValues(flow.StepPersonalData.String(), string(stderrors.ErrCodeConfirmEmail)).Inc()
			e.logger.Info("Lead creation needs email confirmation", map[string]interface{}{
				"code":        rej.Code,
				"nextAttempt": snap.Attempt + 1,
			})
			return Result{
				Outcome:     OutcomeRejected,
				Step:        flow.StepPersonalData,
				FieldErrors: map[string]string{flow.FieldEmail: msg},
			}
		default:
			msg := rej.Message
			if msg == "" {
				msg = "Não foi possível processar sua solicitação."
			}
			return e.generalFailure(flow.StepPersonalData, msg, stderrors.ErrCodeBusinessRejected)
		}
	}

	return e.transportFailure(flow.StepPersonalData, err)
}

// resumeExistingUser handles the duplicate-lead rejection: it is a
// success-shaped business branch, not an error, so nothing is surfaced to
// the applicant. The destination priority is fixed — contract already
// accepted wins over a missing tax document, which wins over the contract
// step — and is checked in that order even though the backend should never
// produce overlapping states.
func (e *Engine) resumeExistingUser(ctx context.Context, p flow.PersonalData) Result {
	lead, err := e.ops.LookupLeadByEmail(ctx, p.Email)
	if err != nil {
		e.logger.Warn("Existing-user lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return e.generalFailure(flow.StepPersonalData,
			"Não foi possível recuperar seu cadastro. Tente novamente.",
			stderrors.ErrCodeTransportFailure)
	}

	name := lead.FullName()
	if name == "" {
		name = p.Name
	}
	email := lead.Email
	if email == "" {
		email = p.Email
	}
	e.store.MergeFields(map[string]any{
		flow.FieldContactID: lead.ID,
		flow.FieldDealID:    lead.DealID,
		flow.FieldName:      name,
		flow.FieldEmail:     email,
		flow.FieldPhone:     p.Phone,
	})

	var dest flow.Step
	switch {
	case lead.ContractAccepted:
		dest = flow.StepComplete
	case !lead.HasTaxDocument():
		dest = flow.StepDocument
	default:
		dest = flow.StepContract
	}

	e.nav.GoToStep(dest)
	if dest == flow.StepComplete {
		e.ensureReferralCoupon()
	}
	metrics.ResumesTotal.WithLabelValues(dest.String()).Inc()

	current := e.store.Snapshot().CurrentStep
	e.logger.Info("Resumed existing signup", map[string]interface{}{
		"contactId":   lead.ID,
		"destination": dest.String(),
		"currentStep": current.String(),
	})
	if e.callbacks.OnStepChange != nil && current != flow.StepPersonalData {
		e.callbacks.OnStepChange(current)
	}
	return Result{Outcome: OutcomeResumed, Step: current}
}

func (e *Engine) submitSmsCode(ctx context.Context, p flow.SmsValidation, snap store.Snapshot) Result {
	contactID := snap.FieldString(flow.FieldContactID)
	if contactID == "" {
		return e.generalFailure(flow.StepSmsValidation,
			"ID do Contato ou código SMS ausente.", stderrors.ErrCodeMissingIdentity)
	}

	err := e.ops.VerifyCode(ctx, contactID, p.Code)
	if err == nil {
		e.store.MergeFields(map[string]any{flow.FieldSmsCode: p.Code})
		return e.advance(flow.StepSmsValidation)
	}

	var rej *remote.Rejection
	if errors.As(err, &rej) {
		msg := rej.Message
		if msg == "" {
			msg = "Código SMS inválido."
		}
		e.store.SetErrors(map[string]string{flow.FieldSmsCode: msg})
		metrics.StepSubmissionsFailed.WithLabelValues(flow.StepSmsValidation.String(), string(stderrors.ErrCodeBusinessRejected)).Inc()
		if e.callbacks.OnSubmitError != nil {
			e.callbacks.OnSubmitError(msg)
		}
		return Result{
			Outcome:     OutcomeRejected,
			Step:        flow.StepSmsValidation,
			FieldErrors: map[string]string{flow.FieldSmsCode: msg},
		}
	}

	return e.transportFailure(flow.StepSmsValidation, err)
}

func (e *Engine) submitDocument(ctx context.Context, p flow.Document, snap store.Snapshot) Result {
	contactID := snap.FieldString(flow.FieldContactID)
	dealID := snap.FieldString(flow.FieldDealID)
	name := snap.FieldString(flow.FieldName)
	if contactID == "" || dealID == "" || name == "" {
		return e.generalFailure(flow.StepDocument,
			"Dados do cadastro ausentes. Reinicie o processo de adesão.",
			stderrors.ErrCodeMissingIdentity)
	}

	var err error
	merged := map[string]any{flow.FieldDocumentType: string(p.Type)}
	switch {
	case p.Type == flow.DocumentCNPJ:
		merged[flow.FieldCNPJ] = p.CNPJ
		err = e.ops.SubmitDocument(ctx, remote.DocumentRequest{
			LeadID: contactID, DealID: dealID, Name: name,
			Type: flow.DocumentCNPJ, Value: p.CNPJ,
		})
	case p.IsBillOwner:
		merged[flow.FieldCPF] = p.MyCPF
		err = e.ops.SubmitDocument(ctx, remote.DocumentRequest{
			LeadID: contactID, DealID: dealID, Name: name,
			Type: flow.DocumentCPF, Value: p.MyCPF,
		})
	case p.DontKnowBillOwnerCPF:
		// No tax id to send; the uploaded energy bill is attached to the
		// deal for manual handling instead.
		err = e.ops.UploadDocumentFile(ctx, dealID, *p.BillFile)
	default:
		merged[flow.FieldCPF] = p.BillOwnerCPF
		err = e.ops.SubmitDocument(ctx, remote.DocumentRequest{
			LeadID: contactID, DealID: dealID, Name: name,
			Type: flow.DocumentCPF, Value: p.BillOwnerCPF,
		})
	}

	if err == nil {
		e.store.MergeFields(merged)
		return e.advance(flow.StepDocument)
	}

	var rej *remote.Rejection
	if errors.As(err, &rej) {
		msg := rej.Message
		if msg == "" {
			msg = "Não foi possível validar seu documento."
		}
		return e.generalFailure(flow.StepDocument, msg, stderrors.ErrCodeBusinessRejected)
	}
	return e.transportFailure(flow.StepDocument, err)
}

func (e *Engine) submitContract(ctx context.Context, p flow.Contract, snap store.Snapshot) Result {
	contactID := snap.FieldString(flow.FieldContactID)
	if contactID == "" {
		return e.generalFailure(flow.StepContract,
			"Dados do cadastro ausentes. Reinicie o processo de adesão.",
			stderrors.ErrCodeMissingIdentity)
	}

	lead, err := e.ops.AcceptContract(ctx, remote.ContractRequest{
		LeadID:  contactID,
		Coupon:  p.Coupon,
		FromApp: false,
	})
	if err == nil {
		merged := map[string]any{"contractAccepted": true}
		if p.Coupon != "" {
			merged[flow.FieldCoupon] = p.Coupon
		}
		if lead != nil && lead.ID != "" {
			merged[flow.FieldContactID] = lead.ID
		}
		e.store.MergeFields(merged)
		result := e.advance(flow.StepContract)
		e.logger.Info("Contract accepted, adhesion complete", map[string]interface{}{
			"contactId": contactID,
			"coupon":    p.Coupon,
		})
		if e.callbacks.OnSubmitSuccess != nil {
			e.callbacks.OnSubmitSuccess(lead)
		}
		return result
	}

	var rej *remote.Rejection
	if errors.As(err, &rej) {
		msg := rej.Message
		if msg == "" {
			msg = "Não foi possível concluir a adesão."
		}
		return e.generalFailure(flow.StepContract, msg, stderrors.ErrCodeBusinessRejected)
	}
	return e.transportFailure(flow.StepContract, err)
}

// advance moves the pointer one step forward and fires the step-change
// callback. Reaching the completion step also derives the referral coupon.
func (e *Engine) advance(from flow.Step) Result {
	e.nav.NextStep()
	current := e.store.Snapshot().CurrentStep
	if current == flow.StepComplete {
		e.ensureReferralCoupon()
	}
	if e.callbacks.OnStepChange != nil && current != from {
		e.callbacks.OnStepChange(current)
	}
	return Result{Outcome: OutcomeAdvanced, Step: current}
}

func (e *Engine) generalFailure(step flow.Step, message string, code stderrors.ErrorCode) Result {
	e.store.SetErrors(map[string]string{flow.ErrorKeyGeneral: message})
	metrics.StepSubmissionsFailed.WithLabelValues(step.String(), string(code)).Inc()
	e.logger.Error("Step submission failed", map[string]interface{}{
		"step":      step.String(),
		"errorCode": string(code),
		"message":   message,
	})
	if e.callbacks.OnSubmitError != nil {
		e.callbacks.OnSubmitError(message)
	}
	return Result{
		Outcome:     OutcomeFailed,
		Step:        step,
		FieldErrors: map[string]string{flow.ErrorKeyGeneral: message},
	}
}

func (e *Engine) transportFailure(step flow.Step, err error) Result {
	msg := err.Error()
	if stdErr, ok := err.(*stderrors.StandardError); ok && stdErr.Details != "" {
		msg = stdErr.Details
	}
	if msg == "" {
		msg = "Ocorreu um erro inesperado."
	}
	return e.generalFailure(step, msg, stderrors.ErrCodeTransportFailure)
}

// attributionField reads the stored campaign attribution, tolerating the
// untyped map shape it takes after a session round-trips through JSON.
func attributionField(v any) flow.Attribution {
	switch m := v.(type) {
	case flow.Attribution:
		return m
	case map[string]string:
		return flow.Attribution(m)
	case map[string]any:
		out := make(flow.Attribution, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// splitName separates the first name from the rest, matching what the CRM
// expects: everything after the first space belongs to the last name.
func splitName(full string) (string, string) {
	parts := strings.Fields(strings.TrimSpace(full))
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
