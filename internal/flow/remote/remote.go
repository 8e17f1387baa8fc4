// Package remote defines the boundary between the flow core and the adhesion
// backend. Business rejections travel as *Rejection errors carrying the
// backend's machine code; every other error is a transport failure. A nil
// error is the Ok arm of that three-way split, so callers branch with
// errors.As instead of guessing at string codes.
package remote

import (
	"context"
	"fmt"

	"adhesion-flow/internal/flow"
)

// Machine-readable rejection codes the orchestrator branches on. Any other
// code falls through to generic error handling.
const (
	CodeUserAlreadyExists = "user_already_exist"
	CodeConfirmEmail      = "confirm_email"
	CodeDidYouMeanEmail   = "did_you_mean_email"
)

// Rejection is a business-level refusal: the call reached the backend and the
// backend said no. Distinct from transport failures, which never produced a
// decision.
type Rejection struct {
	Code    string
	Message string
	Hint    string
}

func (r *Rejection) Error() string {
	if r.Code != "" {
		return fmt.Sprintf("rejected [%s]: %s", r.Code, r.Message)
	}
	return fmt.Sprintf("rejected: %s", r.Message)
}

// CreateLeadRequest carries the personal-data payload plus campaign
// attribution. Attempt starts at 1 and increases on confirm-email retries so
// the backend can tell retries of the same applicant apart.
type CreateLeadRequest struct {
	FirstName   string
	LastName    string
	Name        string
	Email       string
	Phone       string
	Attribution flow.Attribution
	Attempt     int
}

// CreateLeadResult is the identity pair every later step keys on.
type CreateLeadResult struct {
	LeadID string
	DealID string
}

// LeadSnapshot is the backend's view of an existing lead, returned by the
// email lookup and by contract acceptance.
type LeadSnapshot struct {
	ID               string
	DealID           string
	FirstName        string
	LastName         string
	Email            string
	Phone            string
	CPF              string
	CNPJ             string
	ContractAccepted bool
}

// FullName joins the stored name parts.
func (l LeadSnapshot) FullName() string {
	if l.FirstName == "" {
		return l.LastName
	}
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

// HasTaxDocument reports whether the lead's deal already carries either tax id.
func (l LeadSnapshot) HasTaxDocument() bool {
	return l.CPF != "" || l.CNPJ != ""
}

// DocumentRequest is the structured tax-document submission.
type DocumentRequest struct {
	LeadID string
	DealID string
	Name   string
	Type   flow.DocumentType
	Value  string
}

// ContractRequest finalizes the adhesion. FromApp is always false here; the
// companion app uses a separate channel.
type ContractRequest struct {
	LeadID  string
	Coupon  string
	FromApp bool
}

// Operations is the set of backend calls the orchestrator dispatches to.
// Implementations must resolve within a bounded time; the core does not
// cancel in-flight calls.
type Operations interface {
	CreateLead(ctx context.Context, req CreateLeadRequest) (*CreateLeadResult, error)
	VerifyCode(ctx context.Context, leadID, code string) error
	ResendCode(ctx context.Context, leadID, phone string) error
	LookupLeadByEmail(ctx context.Context, email string) (*LeadSnapshot, error)
	SubmitDocument(ctx context.Context, req DocumentRequest) error
	UploadDocumentFile(ctx context.Context, dealID string, file flow.FileUpload) error
	AcceptContract(ctx context.Context, req ContractRequest) (*LeadSnapshot, error)
}
