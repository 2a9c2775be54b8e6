package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/charges"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/settlement"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// envelope wraps every response body.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// validationError is a request the API could not accept as written.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError maps err to a status. Server-side failures are logged and
// reported with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := envelope{Success: false, Message: err.Error()}

	var eligibility *ledger.EligibilityError
	if errors.As(err, &eligibility) {
		body.Message = "member is not eligible for this loan"
		body.Data = map[string]any{"reasons": eligibility.Reasons}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			body.Message = "internal server error"
		}
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	var validation *validationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidMethod),
		errors.Is(err, ledger.ErrInvalidProduct),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidMethod),
		errors.Is(err, charges.ErrUnknownFrequency),
		errors.Is(err, charges.ErrInvalidChargeType),
		errors.Is(err, payments.ErrBankAccountRequired),
		errors.Is(err, payments.ErrUnknownBankAccount),
		errors.Is(err, payments.ErrEvidenceRequired):
		return http.StatusUnprocessableEntity

	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, payments.ErrInvalidSignature):
		return http.StatusUnauthorized

	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auth.ErrWrongTenant),
		errors.Is(err, charges.ErrNotOwner):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, tenancy.ErrUnknownTenant):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrStatusChanged),
		errors.Is(err, wallet.ErrWalletExists):
		return http.StatusConflict

	case errors.Is(err, ledger.ErrNotEligible),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrLoanNotApproved),
		errors.Is(err, ledger.ErrAmountExceedsBalance),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrSameWallet),
		errors.Is(err, wallet.ErrCurrencyMismatch),
		errors.Is(err, charges.ErrNotPayable),
		errors.Is(err, charges.ErrAlreadyPaid),
		errors.Is(err, settlement.ErrNotAwaitingApproval),
		errors.Is(err, settlement.ErrNotApplied),
		errors.Is(err, payments.ErrNoBankAccounts),
		errors.Is(err, payments.ErrUnknownGateway),
		errors.Is(err, payments.ErrGatewayRejected):
		return http.StatusBadRequest

	case errors.Is(err, payments.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("request body is required")
		}
		return invalid("invalid request body: %v", err)
	}
	return nil
}

// pathID parses the uuid path variable name.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, invalid("invalid %s", name)
	}
	return id, nil
}

func parseMethod(raw string) (models.PaymentMethod, error) {
	m := models.PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", invalid("method must be wallet, card or bank_transfer")
	}
	return m, nil
}
