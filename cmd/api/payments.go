package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/payments"
	"go.uber.org/zap"
)

// paymentFor loads a payment the caller may see.
func paymentFor(ctx context.Context, svc *services, caller *auth.Claims, reference string) (*models.Payment, error) {
	p, err := svc.settler.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(p.MemberID) {
		return nil, auth.ErrForbidden
	}
	return p, nil
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	p, err := paymentFor(r.Context(), svc, caller, mux.Vars(r)["reference"])
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", p)
	return nil
}

// verifyPayment asks the gateway about a card payment the client has come
// back from, settling it if the gateway confirms it.
func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	reference := mux.Vars(r)["reference"]
	if _, err := paymentFor(r.Context(), svc, caller, reference); err != nil {
		return err
	}
	out, err := svc.settler.Verify(r.Context(), reference)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, string(out.Result), out)
	return nil
}

func (s *Server) approvePayment(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	out, err := svc.settler.Approve(r.Context(), mux.Vars(r)["reference"], caller.Subject)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "payment approved", out)
	return nil
}

func (s *Server) rejectPayment(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return invalid("reason is required")
	}
	out, err := svc.settler.Reject(r.Context(), mux.Vars(r)["reference"], caller.Subject, req.Reason)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "payment rejected", out)
	return nil
}

// webhookHandler takes gateway callbacks. Gateways retry anything but a 2xx,
// so only failures worth retrying answer 5xx.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	gateway := strings.ToLower(mux.Vars(r)["gateway"])
	svc, err := s.tenantServices(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, invalid("failed to read body"))
		return
	}

	outcomes, err := svc.settler.ProcessWebhook(r.Context(), gateway, body, r.Header)
	switch {
	case errors.Is(err, payments.ErrUnknownGateway):
		writeJSON(w, http.StatusNotFound, envelope{Message: "unknown gateway"})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		s.logger.Warn("webhook signature rejected",
			zap.String("tenant", svc.tenant.Slug), zap.String("gateway", gateway))
		writeJSON(w, http.StatusUnauthorized, envelope{Message: "invalid signature"})
		return
	case errors.Is(err, payments.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid payload"})
		return
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "webhook processed", outcomes)
}
