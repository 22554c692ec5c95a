package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/safetyworks/sitecore/internal/auth"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/services"
	pkghttp "github.com/safetyworks/sitecore/pkg/http"
)

// TOTPServiceInterface defines the second-factor enrolment operations
type TOTPServiceInterface interface {
	Begin(ctx context.Context, a *models.AuthContext, currentCode string) (*services.TOTPSetup, error)
	Confirm(ctx context.Context, a *models.AuthContext, code string) error
}

// TOTPHandler serves authenticator-app enrolment.
type TOTPHandler struct {
	service TOTPServiceInterface
}

func NewTOTPHandler(service TOTPServiceInterface) *TOTPHandler {
	return &TOTPHandler{service: service}
}

// EnrollRequest carries the current code when replacing an existing secret.
type EnrollRequest struct {
	CurrentCode string `json:"current_code,omitempty" validate:"omitempty,numeric,len=6"`
}

// ConfirmRequest carries the first code from the new secret.
type ConfirmRequest struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

// Enroll handles POST /admin/api/totp/enroll.
func (h *TOTPHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req EnrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	setup, err := h.service.Begin(r.Context(), a, req.CurrentCode)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "A valid current code is required to replace the authenticator")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, setup)
}

// Confirm handles POST /admin/api/totp/confirm.
func (h *TOTPHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	a, ok := auth.AuthFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.Confirm(r.Context(), a, req.Code); err != nil {
		switch {
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "Invalid code")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
