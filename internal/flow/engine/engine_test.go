// internal/flow/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/remote"
	"adhesion-flow/internal/flow/validator"
)

// ==========================
// Mock backend
// ==========================

type mockOperations struct {
	mock.Mock
}

func (m *mockOperations) CreateLead(ctx context.Context, req remote.CreateLeadRequest) (*remote.CreateLeadResult, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*remote.CreateLeadResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOperations) VerifyCode(ctx context.Context, leadID, code string) error {
	return m.Called(ctx, leadID, code).Error(0)
}

func (m *mockOperations) ResendCode(ctx context.Context, leadID, phone string) error {
	return m.Called(ctx, leadID, phone).Error(0)
}

func (m *mockOperations) LookupLeadByEmail(ctx context.Context, email string) (*remote.LeadSnapshot, error) {
	args := m.Called(ctx, email)
	if res := args.Get(0); res != nil {
		return res.(*remote.LeadSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOperations) SubmitDocument(ctx context.Context, req remote.DocumentRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockOperations) UploadDocumentFile(ctx context.Context, dealID string, file flow.FileUpload) error {
	return m.Called(ctx, dealID, file).Error(0)
}

func (m *mockOperations) AcceptContract(ctx context.Context, req remote.ContractRequest) (*remote.LeadSnapshot, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*remote.LeadSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// ==========================
// Test Helper Functions
// ==========================

type callbackRecorder struct {
	stepChanges []flow.Step
	successes   []*remote.LeadSnapshot
	errors      []string
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnStepChange:    func(s flow.Step) { r.stepChanges = append(r.stepChanges, s) },
		OnSubmitSuccess: func(l *remote.LeadSnapshot) { r.successes = append(r.successes, l) },
		OnSubmitError:   func(msg string) { r.errors = append(r.errors, msg) },
	}
}

func newTestEngine(t *testing.T, ops remote.Operations, rec *callbackRecorder) *Engine {
	t.Helper()
	var cbs Callbacks
	if rec != nil {
		cbs = rec.callbacks()
	}
	eng, err := New(Options{
		Config:      flow.DefaultConfig(),
		Operations:  ops,
		Validator:   validator.New(),
		Logger:      logger.NewTestLogger(t),
		Callbacks:   cbs,
		Attribution: flow.Attribution{"utm_source": "ads"},
	})
	require.NoError(t, err)
	return eng
}

func personalDataValues() map[string]any {
	return map[string]any{
		"name":          "Ana Souza",
		"email":         "ana@example.com",
		"phone":         "(11) 98888-7777",
		"termsAccepted": true,
	}
}

// primeLead moves an engine past the personal-data step with known ids.
func primeLead(t *testing.T, eng *Engine, ops *mockOperations) {
	t.Helper()
	ops.On("CreateLead", mock.Anything, mock.Anything).
		Return(&remote.CreateLeadResult{LeadID: "42", DealID: "77"}, nil).Once()
	res := eng.Submit(context.Background(), personalDataValues())
	require.Equal(t, OutcomeAdvanced, res.Outcome)
}

// ==========================
// Personal Data Step
// ==========================

func TestSubmit_PersonalData_Success(t *testing.T) {
	ops := new(mockOperations)
	rec := &callbackRecorder{}
	eng := newTestEngine(t, ops, rec)

	ops.On("CreateLead", mock.Anything, mock.MatchedBy(func(req remote.CreateLeadRequest) bool {
		return req.FirstName == "Ana" &&
			req.LastName == "Souza" &&
			req.Email == "ana@example.com" &&
			req.Attempt == 1 &&
			req.Attribution["utm_source"] == "ads"
	})).Return(&remote.CreateLeadResult{LeadID: "42", DealID: "77"}, nil).Once()

	res := eng.Submit(context.Background(), personalDataValues())

	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Equal(t, flow.StepSmsValidation, res.Step)

	snap := eng.Store().Snapshot()
	assert.Equal(t, "42", snap.FieldString("contactId"))
	assert.Equal(t, "77", snap.FieldString("dealId"))
	assert.Equal(t, true, snap.Fields["termsAccepted"])
	assert.False(t, snap.Submitting)
	assert.Equal(t, []flow.Step{flow.StepSmsValidation}, rec.stepChanges)
	ops.AssertExpectations(t)
}

func TestSubmit_ValidationFailure_NeverTouchesBackend(t *testing.T) {
	ops := new(mockOperations)
	eng := newTestEngine(t, ops, nil)

	res := eng.Submit(context.Background(), map[string]any{"name": "Ana"})

	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Equal(t, flow.StepPersonalData, res.Step)
	assert.NotEmpty(t, res.FieldErrors)
	assert.Equal(t, res.FieldErrors, eng.Store().Snapshot().Errors)
	ops.AssertNotCalled(t, "CreateLead", mock.Anything, mock.Anything)
}

func TestSubmit_PersonalData_ConfirmEmail(t *testing.T) {
	ops := new(mockOperations)
	rec := &callbackRecorder{}
	eng := newTestEngine(t, ops, rec)

	ops.On("CreateLead", mock.Anything, mock.MatchedBy(func(req remote.CreateLeadRequest) bool {
		return req.Attempt == 1
	})).Return(nil, &remote.Rejection{
		Code: remote.CodeDidYouMeanEmail,
		Hint: "Você quis dizer ana@gmail.com?",
	}).Once()

	res := eng.Submit(context.Background(), personalDataValues())

	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, flow.StepPersonalData, res.Step)
	assert.Equal(t, "Você quis dizer ana@gmail.com?", res.FieldErrors["email"])

	snap := eng.Store().Snapshot()
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, true, snap.Fields["isEmailConfirmationRequired"])
	assert.Empty(t, rec.errors, "confirm-email is not routed to the error callback")

	// The retry must carry the bumped attempt and demand the acknowledgement.
	res = eng.Submit(context.Background(), personalDataValues())
	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.Contains(t, res.FieldErrors, "emailConfirmed")

	ops.On("CreateLead", mock.Anything, mock.MatchedBy(func(req remote.CreateLeadRequest) bool {
		return req.Attempt == 2
	})).Return(&remote.CreateLeadResult{LeadID: "42", DealID: "77"}, nil).Once()

	values := personalDataValues()
	values["emailConfirmed"] = true
	res = eng.Submit(context.Background(), values)
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	ops.AssertExpectations(t)
}

func TestSubmit_PersonalData_TransportFailure(t *testing.T) {
	ops := new(mockOperations)
	rec := &callbackRecorder{}
	eng := newTestEngine(t, ops, rec)

	ops.On("CreateLead", mock.Anything, mock.Anything).
		Return(nil, errors.New("dial tcp: connection refused")).Once()

	res := eng.Submit(context.Background(), personalDataValues())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, flow.StepPersonalData, res.Step)
	assert.Contains(t, res.FieldErrors["general"], "connection refused")
	assert.Len(t, rec.errors, 1)
	assert.Equal(t, flow.StepPersonalData, eng.Store().Snapshot().CurrentStep)
}

// ==========================
// Existing-User Resume
// ==========================

func TestSubmit_ResumeExistingUser(t *testing.T) {
	tests := []struct {
		name     string
		lead     *remote.LeadSnapshot
		wantStep flow.Step
	}{
		{
			name: "contract already accepted wins",
			lead: &remote.LeadSnapshot{
				ID: "42", DealID: "77", CPF: "52998224725", ContractAccepted: true,
			},
			wantStep: flow.StepComplete,
		},
		{
			name:     "missing tax document goes to the document step",
			lead:     &remote.LeadSnapshot{ID: "42", DealID: "77"},
			wantStep: flow.StepDocument,
		},
		{
			name: "document present but contract pending goes to the contract step",
			lead: &remote.LeadSnapshot{
				ID: "42", DealID: "77", CNPJ: "12345678000195",
			},
			wantStep: flow.StepContract,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := new(mockOperations)
			rec := &callbackRecorder{}
			eng := newTestEngine(t, ops, rec)

			ops.On("CreateLead", mock.Anything, mock.Anything).
				Return(nil, &remote.Rejection{Code: remote.CodeUserAlreadyExists}).Once()
			ops.On("LookupLeadByEmail", mock.Anything, "ana@example.com").
				Return(tt.lead, nil).Once()

			res := eng.Submit(context.Background(), personalDataValues())

			assert.Equal(t, OutcomeResumed, res.Outcome)
			assert.Equal(t, tt.wantStep, res.Step)

			snap := eng.Store().Snapshot()
			assert.Equal(t, "42", snap.FieldString("contactId"))
			assert.Equal(t, "77", snap.FieldString("dealId"))
			assert.Empty(t, snap.Errors, "the resume is silent")
			assert.Empty(t, rec.errors)
			assert.Equal(t, []flow.Step{tt.wantStep}, rec.stepChanges)
			ops.AssertExpectations(t)
		})
	}
}

func TestSubmit_ResumeLookupFailure(t *testing.T) {
	ops := new(mockOperations)
	rec := &callbackRecorder{}
	eng := newTestEngine(t, ops, rec)

	ops.On("CreateLead", mock.Anything, mock.Anything).
		Return(nil, &remote.Rejection{Code: remote.CodeUserAlreadyExists}).Once()
	ops.On("LookupLeadByEmail", mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout")).Once()

	res := eng.Submit(context.Background(), personalDataValues())

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, flow.StepPersonalData, eng.Store().Snapshot().CurrentStep)
	assert.Len(t, rec.errors, 1)
}

func TestSubmit_Resume_DerivesCouponOnComplete(t *testing.T) {
	ops := new(mockOperations)
	eng := newTestEngine(t, ops, nil)

	ops.On("CreateLead", mock.Anything, mock.Anything).
		Return(nil, &remote.Rejection{Code: remote.CodeUserAlreadyExists}).Once()
	ops.On("LookupLeadByEmail", mock.Anything, mock.Anything).
		Return(&remote.LeadSnapshot{
			ID: "139974446649", DealID: "77", CPF: "52998224725", ContractAccepted: true,
		}, nil).Once()

	res := eng.Submit(context.Background(), personalDataValues())

	require.Equal(t, OutcomeResumed, res.Outcome)
	assert.Equal(t, "10209720900D", eng.Store().Snapshot().FieldString("referralCoupon"))
}

// ==========================
// SMS Step
// ==========================

func TestSubmit_SmsCode(t *testing.T) {
	t.Run("success merges the code and advances", func(t *testing.T) {
		ops := new(mockOperations)
		eng := newTestEngine(t, ops, nil)
		primeLead(t, eng, ops)

		ops.On("VerifyCode", mock.Anything, "42", "123456").Return(nil).Once()

		res := eng.Submit(context.Background(), map[string]any{"smsCode": "123456"})
		assert.Equal(t, OutcomeAdvanced, res.Outcome)
		assert.Equal(t, flow.StepDocument, res.Step)
		assert.Equal(t, "123456", eng.Store().Snapshot().FieldString("smsCode"))
		ops.AssertExpectations(t)
	})

	t.Run("rejection sets the field error and stays", func(t *testing.T) {
		ops := new(mockOperations)
		rec := &callbackRecorder{}
		eng := newTestEngine(t, ops, rec)
		primeLead(t, eng, ops)

		ops.On("VerifyCode", mock.Anything, "42", "123456").
			Return(&remote.Rejection{Code: "invalid_code", Message: "Código SMS inválido."}).Once()

		res := eng.Submit(context.Background(), map[string]any{"smsCode": "123456"})
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.Equal(t, flow.StepSmsValidation, res.Step)
		assert.Equal(t, "Código SMS inválido.", res.FieldErrors["smsCode"])
		assert.Len(t, rec.errors, 1)
	})

	t.Run("missing contact id fails without a backend call", func(t *testing.T) {
		ops := new(mockOperations)
		eng := newTestEngine(t, ops, nil)
		eng.GoToStep(flow.StepSmsValidation)

		res := eng.Submit(context.Background(), map[string]any{"smsCode": "123456"})
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.NotEmpty(t, res.FieldErrors["general"])
		ops.AssertNotCalled(t, "VerifyCode", mock.Anything, mock.Anything, mock.Anything)
	})
}

// ==========================
// Document Step
// ==========================

func docReady(t *testing.T, ops *mockOperations) *Engine {
	t.Helper()
	eng := newTestEngine(t, ops, nil)
	primeLead(t, eng, ops)
	ops.On("VerifyCode", mock.Anything, "42", "123456").Return(nil).Once()
	res := eng.Submit(context.Background(), map[string]any{"smsCode": "123456"})
	require.Equal(t, OutcomeAdvanced, res.Outcome)
	return eng
}

func TestSubmit_Document_CNPJ(t *testing.T) {
	ops := new(mockOperations)
	eng := docReady(t, ops)

	ops.On("SubmitDocument", mock.Anything, remote.DocumentRequest{
		LeadID: "42", DealID: "77", Name: "Ana Souza",
		Type: flow.DocumentCNPJ, Value: "12.345.678/0001-95",
	}).Return(nil).Once()

	res := eng.Submit(context.Background(), map[string]any{
		"documentType": "cnpj",
		"cnpj":         "12.345.678/0001-95",
	})

	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Equal(t, flow.StepContract, res.Step)
	assert.Equal(t, "12.345.678/0001-95", eng.Store().Snapshot().FieldString("cnpj"))
	ops.AssertExpectations(t)
}

func TestSubmit_Document_OwnCPF(t *testing.T) {
	ops := new(mockOperations)
	eng := docReady(t, ops)

	ops.On("SubmitDocument", mock.Anything, mock.MatchedBy(func(req remote.DocumentRequest) bool {
		return req.Type == flow.DocumentCPF && req.Value == "529.982.247-25"
	})).Return(nil).Once()

	res := eng.Submit(context.Background(), map[string]any{
		"documentType": "cpf",
		"isBillOwner":  true,
		"myCpf":        "529.982.247-25",
	})
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	ops.AssertExpectations(t)
}

func TestSubmit_Document_BillUpload(t *testing.T) {
	ops := new(mockOperations)
	eng := docReady(t, ops)

	file := &flow.FileUpload{Name: "conta.pdf", ContentType: "application/pdf", Content: []byte("%PDF")}
	ops.On("UploadDocumentFile", mock.Anything, "77", *file).Return(nil).Once()

	res := eng.Submit(context.Background(), map[string]any{
		"documentType":         "cpf",
		"isBillOwner":          false,
		"dontKnowBillOwnerCpf": true,
		"billFile":             file,
	})
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	ops.AssertNotCalled(t, "SubmitDocument", mock.Anything, mock.Anything)
}

func TestSubmit_Document_RejectionStays(t *testing.T) {
	ops := new(mockOperations)
	eng := docReady(t, ops)

	ops.On("SubmitDocument", mock.Anything, mock.Anything).
		Return(&remote.Rejection{Code: "invalid_document", Message: "Documento recusado."}).Once()

	res := eng.Submit(context.Background(), map[string]any{
		"documentType": "cnpj",
		"cnpj":         "12345678000195",
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "Documento recusado.", res.FieldErrors["general"])
	assert.Equal(t, flow.StepDocument, eng.Store().Snapshot().CurrentStep)
}

// ==========================
// Contract Step and Completion
// ==========================

func contractReady(t *testing.T, ops *mockOperations, rec *callbackRecorder) *Engine {
	t.Helper()
	eng := newTestEngine(t, ops, rec)
	primeLead(t, eng, ops)
	ops.On("VerifyCode", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	eng.Submit(context.Background(), map[string]any{"smsCode": "123456"})
	ops.On("SubmitDocument", mock.Anything, mock.Anything).Return(nil).Once()
	res := eng.Submit(context.Background(), map[string]any{"documentType": "cnpj", "cnpj": "123"})
	require.Equal(t, OutcomeAdvanced, res.Outcome)
	require.Equal(t, flow.StepContract, res.Step)
	return eng
}

func TestSubmit_Contract_Success(t *testing.T) {
	ops := new(mockOperations)
	rec := &callbackRecorder{}
	eng := contractReady(t, ops, rec)

	ops.On("AcceptContract", mock.Anything, remote.ContractRequest{
		LeadID: "42", Coupon: "PROMO10", FromApp: false,
	}).Return(&remote.LeadSnapshot{ID: "42", DealID: "77", ContractAccepted: true}, nil).Once()

	res := eng.Submit(context.Background(), map[string]any{
		"termsAcceptedStep4": true,
		"coupon":             "promo10",
	})

	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Equal(t, flow.StepComplete, res.Step)

	snap := eng.Store().Snapshot()
	assert.Equal(t, true, snap.Fields["contractAccepted"])
	assert.Equal(t, "PROMO10", snap.FieldString("coupon"))
	assert.NotEmpty(t, snap.FieldString("referralCoupon"), "completion derives the referral coupon")

	require.Len(t, rec.successes, 1)
	assert.True(t, rec.successes[0].ContractAccepted)
	ops.AssertExpectations(t)
}

func TestSubmit_CompleteStep_IsIdempotentNoop(t *testing.T) {
	ops := new(mockOperations)
	eng := newTestEngine(t, ops, nil)
	eng.Store().MergeFields(map[string]any{"contactId": "139974446649"})
	eng.GoToStep(flow.StepComplete)

	res := eng.Submit(context.Background(), nil)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, "10209720900D", eng.Store().Snapshot().FieldString("referralCoupon"))

	// A second pass never overwrites the stored coupon.
	eng.Store().MergeFields(map[string]any{"referralCoupon": "KEEP"})
	eng.Submit(context.Background(), nil)
	assert.Equal(t, "KEEP", eng.Store().Snapshot().FieldString("referralCoupon"))
}

// ==========================
// Referral Coupon
// ==========================

func TestDeriveReferralCoupon(t *testing.T) {
	tests := []struct {
		name    string
		leadID  string
		want    string
		wantErr bool
	}{
		{name: "known lead id", leadID: "139974446649", want: "10209720900D"},
		{name: "small id", leadID: "1", want: "101D5"},
		{name: "non numeric", leadID: "abc", wantErr: true},
		{name: "empty", leadID: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveReferralCoupon(tt.leadID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ==========================
// SMS Resend Cooldown
// ==========================

func smsReady(t *testing.T, ops *mockOperations, rec *callbackRecorder) *Engine {
	t.Helper()
	eng := newTestEngine(t, ops, rec)
	primeLead(t, eng, ops)
	return eng
}

func TestResendSMS(t *testing.T) {
	t.Run("success starts the cooldown", func(t *testing.T) {
		ops := new(mockOperations)
		eng := smsReady(t, ops, nil)

		ops.On("ResendCode", mock.Anything, "42", "(11) 98888-7777").Return(nil).Once()

		res := eng.ResendSMS(context.Background())
		assert.True(t, res.Sent)
		assert.Equal(t, 60, res.CooldownSeconds)
		assert.Equal(t, 60, eng.ResendCooldown())
	})

	t.Run("cooldown gates further resends", func(t *testing.T) {
		ops := new(mockOperations)
		eng := smsReady(t, ops, nil)

		ops.On("ResendCode", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
		require.True(t, eng.ResendSMS(context.Background()).Sent)

		res := eng.ResendSMS(context.Background())
		assert.False(t, res.Sent)
		ops.AssertNumberOfCalls(t, "ResendCode", 1)

		// Drain the cooldown and the next resend goes through again.
		for i := 0; i < 60; i++ {
			eng.tickCooldown()
		}
		assert.Equal(t, 0, eng.ResendCooldown())

		ops.On("ResendCode", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
		assert.True(t, eng.ResendSMS(context.Background()).Sent)
	})

	t.Run("failure leaves the cooldown at zero", func(t *testing.T) {
		ops := new(mockOperations)
		rec := &callbackRecorder{}
		eng := smsReady(t, ops, rec)

		ops.On("ResendCode", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("sms gateway down")).Once()

		res := eng.ResendSMS(context.Background())
		assert.False(t, res.Sent)
		assert.Equal(t, 0, eng.ResendCooldown(), "a failed resend can be retried immediately")
		assert.Len(t, rec.errors, 1)
	})

	t.Run("missing identity fails without a backend call", func(t *testing.T) {
		ops := new(mockOperations)
		eng := newTestEngine(t, ops, nil)

		res := eng.ResendSMS(context.Background())
		assert.False(t, res.Sent)
		ops.AssertNotCalled(t, "ResendCode", mock.Anything, mock.Anything, mock.Anything)
	})
}

// ==========================
// Reset
// ==========================

func TestReset_ClearsProgressButKeepsAttribution(t *testing.T) {
	ops := new(mockOperations)
	eng := newTestEngine(t, ops, nil)
	primeLead(t, eng, ops)

	eng.Reset()

	snap := eng.Store().Snapshot()
	assert.Equal(t, flow.StepPersonalData, snap.CurrentStep)
	assert.Empty(t, snap.FieldString("contactId"))
	assert.Equal(t, 1, snap.Attempt)
	attribution, _ := snap.Fields["urlParams"].(flow.Attribution)
	assert.Equal(t, "ads", attribution["utm_source"])
}

// ==========================
// Construction
// ==========================

func TestNew_RejectsBadWiring(t *testing.T) {
	_, err := New(Options{Config: flow.Config{}, Operations: new(mockOperations), Validator: validator.New()})
	assert.Error(t, err, "empty step sequence")

	_, err = New(Options{Config: flow.DefaultConfig(), Validator: validator.New()})
	assert.Error(t, err, "missing operations")

	_, err = New(Options{Config: flow.DefaultConfig(), Operations: new(mockOperations)})
	assert.Error(t, err, "missing validator")
}
