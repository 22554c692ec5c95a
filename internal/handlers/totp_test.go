package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/safetyworks/sitecore/internal/handlers"
	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/internal/services"
	"github.com/stretchr/testify/assert"
)

func TestTOTPEnroll(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		beginErr   error
		wantStatus int
		wantError  string
	}{
		{name: "first enrolment", body: nil, wantStatus: http.StatusOK},
		{name: "replacement with code", body: handlers.EnrollRequest{CurrentCode: "123456"}, wantStatus: http.StatusOK},
		{name: "replacement without valid code", body: handlers.EnrollRequest{CurrentCode: "000000"}, beginErr: models.ErrForbidden, wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "malformed code", body: handlers.EnrollRequest{CurrentCode: "12ab"}, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "store failure", body: nil, beginErr: models.ErrInternalServer, wantStatus: http.StatusInternalServerError, wantError: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTOTPService{BeginFunc: func(_ context.Context, a *models.AuthContext, code string) (*services.TOTPSetup, error) {
				assert.Equal(t, "user-1", a.UserID)
				if tt.beginErr != nil {
					return nil, tt.beginErr
				}
				return &services.TOTPSetup{Secret: "JBSWY3DPEHPK3PXP", OTPAuthURL: "otpauth://totp/x", QRCode: "data:image/png;base64,AA=="}, nil
			}}
			h := handlers.NewTOTPHandler(svc)

			w := httptest.NewRecorder()
			h.Enroll(w, WithAuth(NewTestRequest(t, http.MethodPost, "/admin/api/totp/enroll", tt.body), testAuthContext()))

			if tt.wantError != "" {
				AssertErrorResponse(t, w, tt.wantStatus, tt.wantError)
				return
			}
			var resp services.TOTPSetup
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
			assert.NotEmpty(t, resp.QRCode)
		})
	}
}

func TestTOTPConfirm(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		confirmErr error
		wantStatus int
		wantError  string
	}{
		{name: "valid code", body: handlers.ConfirmRequest{Code: "123456"}, wantStatus: http.StatusOK},
		{name: "wrong code", body: handlers.ConfirmRequest{Code: "654321"}, confirmErr: models.ErrBadRequest, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "missing code", body: map[string]string{}, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "store failure", body: handlers.ConfirmRequest{Code: "123456"}, confirmErr: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantError: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTOTPService{ConfirmFunc: func(context.Context, *models.AuthContext, string) error {
				return tt.confirmErr
			}}
			h := handlers.NewTOTPHandler(svc)

			w := httptest.NewRecorder()
			h.Confirm(w, WithAuth(NewTestRequest(t, http.MethodPost, "/admin/api/totp/confirm", tt.body), testAuthContext()))

			if tt.wantError != "" {
				AssertErrorResponse(t, w, tt.wantStatus, tt.wantError)
				return
			}
			var resp map[string]bool
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			assert.True(t, resp["success"])
		})
	}
}

func TestTOTPEnroll_Unauthenticated(t *testing.T) {
	h := handlers.NewTOTPHandler(&MockTOTPService{})

	w := httptest.NewRecorder()
	h.Enroll(w, NewTestRequest(t, http.MethodPost, "/admin/api/totp/enroll", nil))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}
