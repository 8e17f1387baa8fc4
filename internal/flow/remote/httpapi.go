package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	stderrors "adhesion-flow/internal/common/errors"
	httpclient "adhesion-flow/internal/common/http"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/flow"
)

// API talks to the adhesion backend over its v2 HTTP endpoints. Lead creation
// is a composite call: contact, deal and the first SMS code are created in
// one sequence so the caller sees a single operation.
type API struct {
	baseURL string
	client  *httpclient.Client
	logger  logger.Logger
}

var _ Operations = (*API)(nil)

func NewAPI(baseURL string, client *httpclient.Client, log logger.Logger) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  log,
	}
}

// envelope is the backend's uniform response shape. A false success with a
// code present is a business rejection; without a code it is treated as a
// transport-level failure.
type envelope struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	Info      string          `json:"info"`
	ContactID json.Number     `json:"contact_id"`
	Contact   *contactPayload `json:"contact"`
	Deal      *dealPayload    `json:"deal"`
}

// contactPayload carries the deal nested inside the contact and the
// adhesion-terms flag at the contact level, which is how the backend shapes
// its lookup responses.
type contactPayload struct {
	ID                json.Number  `json:"id"`
	FirstName         string       `json:"firstname"`
	LastName          string       `json:"lastname"`
	Email             string       `json:"email"`
	Phone             string       `json:"phone"`
	AdhesionTermsFlag string       `json:"aceite_do_termo_de_adesao"`
	Deal              *dealPayload `json:"deal"`
}

type dealPayload struct {
	ID                json.Number `json:"id"`
	DealID            json.Number `json:"deal_id"`
	CPF               string      `json:"cpf"`
	CNPJ              string      `json:"cnpj"`
	AdhesionTermsFlag string      `json:"aceite_do_termo_de_adesao"`
}

// identifier prefers the deal_id the backend sends on creation, falling back
// to a plain id when present.
func (d *dealPayload) identifier() string {
	if d == nil {
		return ""
	}
	if s := d.DealID.String(); s != "" {
		return s
	}
	return d.ID.String()
}

func (env *envelope) rejectionOrError() error {
	if env.Success {
		return nil
	}
	if env.Code != "" {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return &Rejection{Code: env.Code, Message: msg, Hint: env.Info}
	}
	if env.Error != "" {
		return fmt.Errorf("backend error: %s", env.Error)
	}
	return fmt.Errorf("backend error: %s", env.Message)
}

// CreateLead creates the CRM contact, opens its deal and triggers the first
// SMS code. A rejection at the contact stage aborts the sequence; failures
// after the contact exists still surface as errors so the flow does not
// advance with a half-created lead.
func (a *API) CreateLead(ctx context.Context, req CreateLeadRequest) (*CreateLeadResult, error) {
	contactBody := map[string]any{
		"firstname": req.FirstName,
		"lastname":  req.LastName,
		"email":     req.Email,
		"phone":     normalizePhone(req.Phone),
		"attempt":   req.Attempt,
	}
	for k, v := range req.Attribution {
		contactBody[k] = v
	}

	var env envelope
	if err := a.call(ctx, http.MethodPost, "/v2/create-contact", contactBody, &env); err != nil {
		return nil, err
	}
	if err := env.rejectionOrError(); err != nil {
		return nil, err
	}
	leadID := env.ContactID.String()
	if leadID == "" && env.Contact != nil {
		leadID = env.Contact.ID.String()
	}
	if leadID == "" {
		return nil, fmt.Errorf("create-contact response carried no contact id")
	}

	dealBody := map[string]any{
		"contact_id": leadID,
		"deal_name":  req.Name,
	}
	for k, v := range req.Attribution {
		dealBody[k] = v
	}

	var dealEnv envelope
	if err := a.call(ctx, http.MethodPost, "/v2/create-deal", dealBody, &dealEnv); err != nil {
		return nil, err
	}
	if err := dealEnv.rejectionOrError(); err != nil {
		return nil, err
	}
	dealID := dealEnv.Deal.identifier()
	if dealID == "" {
		return nil, fmt.Errorf("create-deal response carried no deal id")
	}

	if err := a.sendCode(ctx, leadID, normalizePhone(req.Phone), false); err != nil {
		return nil, err
	}

	a.logger.Debug("Lead sequence completed", map[string]interface{}{
		"contactId": leadID,
		"dealId":    dealID,
	})
	return &CreateLeadResult{LeadID: leadID, DealID: dealID}, nil
}

// VerifyCode checks the SMS code the applicant typed.
func (a *API) VerifyCode(ctx context.Context, leadID, code string) error {
	var env envelope
	if err := a.call(ctx, http.MethodPatch, "/v2/validate-code-sms", map[string]any{
		"contact_id": leadID,
		"code":       code,
	}, &env); err != nil {
		return err
	}
	return env.rejectionOrError()
}

// ResendCode asks the backend to generate and send a fresh code.
func (a *API) ResendCode(ctx context.Context, leadID, phone string) error {
	return a.sendCode(ctx, leadID, normalizePhone(phone), true)
}

func (a *API) sendCode(ctx context.Context, leadID, phone string, resend bool) error {
	var env envelope
	if err := a.call(ctx, http.MethodPatch, "/v2/generate-code-sms", map[string]any{
		"contact_id": leadID,
		"phone":      phone,
		"resend":     resend,
	}, &env); err != nil {
		return err
	}
	return env.rejectionOrError()
}

// LookupLeadByEmail fetches an existing lead with its deal, used by the
// resume path after a duplicate-lead rejection.
func (a *API) LookupLeadByEmail(ctx context.Context, email string) (*LeadSnapshot, error) {
	var env envelope
	if err := a.call(ctx, http.MethodPost, "/v2/get-contact-by-email", map[string]any{
		"email": email,
	}, &env); err != nil {
		return nil, err
	}
	if err := env.rejectionOrError(); err != nil {
		return nil, err
	}
	if env.Contact == nil {
		return nil, fmt.Errorf("get-contact-by-email response carried no contact")
	}

	return leadFromContact(env.Contact, &env), nil
}

// leadFromContact builds a snapshot from a contact payload. The backend nests
// the deal inside the contact and carries the acceptance flag on the contact;
// older responses put both at the envelope's top level, so that shape is still
// read as a fallback.
func leadFromContact(contact *contactPayload, env *envelope) *LeadSnapshot {
	snap := &LeadSnapshot{
		ID:        contact.ID.String(),
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Email:     contact.Email,
		Phone:     contact.Phone,
	}
	deal := contact.Deal
	if deal == nil {
		deal = env.Deal
	}
	if deal != nil {
		snap.DealID = deal.identifier()
		snap.CPF = deal.CPF
		snap.CNPJ = deal.CNPJ
	}
	// The acceptance flag travels as the strings "true"/"false".
	snap.ContractAccepted = contact.AdhesionTermsFlag == "true" ||
		(deal != nil && deal.AdhesionTermsFlag == "true")
	return snap
}

// SubmitDocument records the tax document on the lead's deal.
func (a *API) SubmitDocument(ctx context.Context, req DocumentRequest) error {
	body := map[string]any{
		"contact_id": req.LeadID,
		"deal_id":    req.DealID,
		"name":       req.Name,
	}
	switch req.Type {
	case flow.DocumentCNPJ:
		body["cnpj"] = req.Value
	default:
		body["cpf"] = req.Value
	}

	var env envelope
	if err := a.call(ctx, http.MethodPatch, "/v2/submit-documents", body, &env); err != nil {
		return err
	}
	return env.rejectionOrError()
}

// UploadDocumentFile attaches the energy bill to the deal as multipart
// form data.
func (a *API) UploadDocumentFile(ctx context.Context, dealID string, file flow.FileUpload) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("deal_id", dealID); err != nil {
		return fmt.Errorf("building upload form: %w", err)
	}
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return fmt.Errorf("building upload form: %w", err)
	}
	if _, err := part.Write(file.Content); err != nil {
		return fmt.Errorf("building upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("building upload form: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, a.baseURL+"/v2/upload-bill", &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.client.DoWithContext(ctx, httpReq)
	if err != nil {
		return stderrors.NewTransportFailureError(fmt.Errorf("calling upload-bill: %w", err))
	}
	defer resp.Body.Close()

	var env envelope
	if err := decodeEnvelope(resp, &env); err != nil {
		return err
	}
	return env.rejectionOrError()
}

// AcceptContract flags the adhesion terms as accepted and applies an
// optional coupon. The backend echoes the final lead state back.
func (a *API) AcceptContract(ctx context.Context, req ContractRequest) (*LeadSnapshot, error) {
	body := map[string]any{
		"contact_id":                req.LeadID,
		"aceite_do_termo_de_adesao": strconv.FormatBool(true),
		"from_app":                  req.FromApp,
	}
	if req.Coupon != "" {
		body["coupon"] = req.Coupon
	}

	var env envelope
	if err := a.call(ctx, http.MethodPatch, "/v2/accept-contract", body, &env); err != nil {
		return nil, err
	}
	if err := env.rejectionOrError(); err != nil {
		return nil, err
	}

	snap := &LeadSnapshot{ID: req.LeadID, ContractAccepted: true}
	if env.Contact != nil {
		snap = leadFromContact(env.Contact, &env)
		snap.ContractAccepted = true
	} else if env.Deal != nil {
		snap.DealID = env.Deal.identifier()
		snap.CPF = env.Deal.CPF
		snap.CNPJ = env.Deal.CNPJ
	}
	return snap, nil
}

func (a *API) call(ctx context.Context, method, path string, body map[string]any, out *envelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	httpReq, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.DoWithContext(ctx, httpReq)
	if err != nil {
		return stderrors.NewTransportFailureError(fmt.Errorf("calling %s: %w", path, err))
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, out)
}

// decodeEnvelope parses the uniform response body. Non-2xx statuses still
// carry an envelope when the backend produced a decision; an unparseable
// body on a failing status is a transport failure.
func decodeEnvelope(resp *http.Response, out *envelope) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("backend returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// normalizePhone strips formatting and prefixes the Brazilian country code.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "55") && len(digits) > 11 {
		return "+" + digits
	}
	return "+55" + digits
}
