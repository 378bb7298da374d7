package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/brigade/internal/onboarding"
)

const idempotencyKeyHeader = "Idempotency-Key"

type createSubscriptionRequest struct {
	Email              string `json:"email"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	CompanyName        string `json:"company_name"`
	RegistrationNumber string `json:"registration_number"`
	Plan               string `json:"plan,omitempty"`
	Locale             string `json:"locale,omitempty"`
	ResumeToken        string `json:"resume_token,omitempty"`
	WantResumeToken    bool   `json:"want_resume_token,omitempty"`
}

type createSubscriptionResponse struct {
	AttemptID    uuid.UUID       `json:"attempt_id"`
	UserID       uuid.UUID       `json:"user_id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	MembershipID uuid.UUID       `json:"membership_id"`
	Payment      paymentResponse `json:"payment"`
}

type paymentResponse struct {
	ClientSecret   string       `json:"client_secret"`
	SubscriptionID string       `json:"subscription_id"`
	Status         string       `json:"status"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Plan           planResponse `json:"plan"`
}

type planResponse struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
	AttemptID   string            `json:"attempt_id,omitempty"`
	ResumeToken string            `json:"resume_token,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body createSubscriptionRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Rejected request body")
		s.writeError(w, r, &onboarding.Error{Kind: onboarding.KindValidation, Message: decodeMessage(err)})
		return
	}

	res, err := s.onboarder.CreateSubscription(r.Context(), onboarding.Request{
		Email:              body.Email,
		FirstName:          body.FirstName,
		LastName:           body.LastName,
		CompanyName:        body.CompanyName,
		RegistrationNumber: body.RegistrationNumber,
		PlanCode:           body.Plan,
		Locale:             body.Locale,
		IdempotencyKey:     r.Header.Get(idempotencyKeyHeader),
		ResumeToken:        body.ResumeToken,
		WantResumeToken:    body.WantResumeToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("attempt_id", res.AttemptID.String()).
		Str("company_id", res.CompanyID.String()).
		Msg("Subscription created")

	writeJSON(w, http.StatusCreated, createSubscriptionResponse{
		AttemptID:    res.AttemptID,
		UserID:       res.UserID,
		CompanyID:    res.CompanyID,
		MembershipID: res.MembershipID,
		Payment: paymentResponse{
			ClientSecret:   res.Payment.ClientSecret,
			SubscriptionID: res.Payment.SubscriptionRef,
			Status:         res.Payment.Status,
			Amount:         res.Payment.Amount,
			Currency:       res.Payment.Currency,
			Plan: planResponse{
				Code:        res.Payment.Plan.Code,
				Name:        res.Payment.Plan.Name,
				Description: res.Payment.Plan.Description,
			},
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *onboarding.Error
	if !errors.As(err, &e) {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Unclassified onboarding error")
		e = &onboarding.Error{Kind: onboarding.KindInternal, Message: "internal error"}
	}

	status := statusFor(e.Kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Seconds())))
	}

	body := errorBody{
		Kind:        string(e.Kind),
		Message:     e.Message,
		Fields:      e.Fields,
		ResumeToken: e.ResumeToken,
	}
	if e.AttemptID != uuid.Nil {
		body.AttemptID = e.AttemptID.String()
	}

	zerolog.Ctx(r.Context()).Info().Str("kind", body.Kind).Int("status", status).Msg("Onboarding request failed")

	writeJSON(w, status, errorResponse{Error: body})
}

func statusFor(kind onboarding.Kind) int {
	switch kind {
	case onboarding.KindValidation:
		return http.StatusBadRequest
	case onboarding.KindConflict:
		return http.StatusConflict
	case onboarding.KindTransient:
		return http.StatusServiceUnavailable
	case onboarding.KindProviderRejected:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func decodeMessage(err error) string {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return "request body too large"
	case errors.Is(err, io.EOF):
		return "request body is required"
	}
	return "request body is not valid JSON"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
