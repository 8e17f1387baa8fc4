package engine

import (
	"context"
	"time"

	stderrors "adhesion-flow/internal/common/errors"
	"adhesion-flow/internal/common/metrics"
	"adhesion-flow/internal/flow"
)

// ResendResult reports what a resend request did.
type ResendResult struct {
	Sent            bool `json:"sent"`
	CooldownSeconds int  `json:"cooldownSeconds"`
}

// ResendCooldown returns the seconds remaining before another resend is
// allowed.
func (e *Engine) ResendCooldown() int {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	return e.resendCooldown
}

// ResendSMS requests a fresh verification code. While the cooldown is
// running the call is a silent no-op; the backend is not contacted. The
// cooldown only starts after a successful resend, so a failed request can be
// retried immediately.
func (e *Engine) ResendSMS(ctx context.Context) ResendResult {
	e.cooldownMu.Lock()
	if e.resendCooldown > 0 {
		remaining := e.resendCooldown
		e.cooldownMu.Unlock()
		return ResendResult{Sent: false, CooldownSeconds: remaining}
	}
	e.cooldownMu.Unlock()

	snap := e.store.Snapshot()
	contactID := snap.FieldString(flow.FieldContactID)
	phone := snap.FieldString(flow.FieldPhone)
	if contactID == "" || phone == "" {
		metrics.SmsResendTotal.WithLabelValues("error").Inc()
		e.generalFailure(snap.CurrentStep,
			"ID do Contato ou telefone ausente.", stderrors.ErrCodeMissingIdentity)
		return ResendResult{Sent: false}
	}

	if err := e.ops.ResendCode(ctx, contactID, phone); err != nil {
		metrics.SmsResendTotal.WithLabelValues("error").Inc()
		msg := err.Error()
		if msg == "" {
			msg = "Não foi possível reenviar o código."
		}
		e.generalFailure(snap.CurrentStep, msg, stderrors.ErrCodeTransportFailure)
		return ResendResult{Sent: false}
	}

	metrics.SmsResendTotal.WithLabelValues("ok").Inc()
	e.logger.Info("SMS code resent", map[string]interface{}{
		"contactId": contactID,
	})

	e.cooldownMu.Lock()
	e.resendCooldown = e.cooldownSeconds
	startTicker := !e.cooldownTicking
	if startTicker {
		e.cooldownTicking = true
	}
	e.cooldownMu.Unlock()

	if startTicker {
		go e.runCooldown()
	}
	return ResendResult{Sent: true, CooldownSeconds: e.cooldownSeconds}
}

func (e *Engine) runCooldown() {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		if e.tickCooldown() == 0 {
			return
		}
	}
}

// tickCooldown decrements the counter by one second and returns the
// remaining value, releasing the ticker flag on zero. Tests call it directly
// instead of waiting out the minute.
func (e *Engine) tickCooldown() int {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	if e.resendCooldown > 0 {
		e.resendCooldown--
	}
	if e.resendCooldown == 0 {
		e.cooldownTicking = false
	}
	return e.resendCooldown
}
