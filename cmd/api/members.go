package main

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/models"
)

func (s *Server) createMember(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	var req struct {
		UserID    string     `json:"user_id"`
		FirstName string     `json:"first_name"`
		LastName  string     `json:"last_name"`
		Email     string     `json:"email"`
		Phone     string     `json:"phone"`
		JoinedAt  *time.Time `json:"joined_at"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.FirstName) == "" {
		return invalid("user_id and first_name are required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return invalid("a valid email is required")
	}

	now := time.Now().UTC()
	m := &models.Member{
		ID:        uuid.New(),
		UserID:    strings.TrimSpace(req.UserID),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Email:     req.Email,
		Phone:     req.Phone,
		Status:    models.MemberStatusActive,
		JoinedAt:  now,
		CreatedAt: now,
	}
	if req.JoinedAt != nil {
		m.JoinedAt = req.JoinedAt.UTC()
	}
	if err := svc.storage.CreateMember(r.Context(), m); err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "member created", m)
	return nil
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	members, err := svc.storage.ListMembers(r.Context())
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", members)
	return nil
}

func (s *Server) getMember(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if !caller.CanActFor(id) {
		return auth.ErrForbidden
	}
	m, err := svc.storage.GetMember(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", m)
	return nil
}

// recipient is the notification inbox of the caller.
func recipient(caller *auth.Claims) (string, error) {
	if caller.IsAdmin() {
		return models.AdminRecipient, nil
	}
	id, ok := caller.Member()
	if !ok {
		return "", auth.ErrForbidden
	}
	return id.String(), nil
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	inbox, err := recipient(caller)
	if err != nil {
		return err
	}
	list, err := svc.notifier.List(r.Context(), inbox)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", list)
	return nil
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	inbox, err := recipient(caller)
	if err != nil {
		return err
	}
	if err := svc.notifier.MarkRead(r.Context(), id, inbox); err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "notification marked as read", nil)
	return nil
}
