package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/tgrelay/internal/api/models"
	"github.com/smazurov/tgrelay/internal/authsvc"
	"github.com/smazurov/tgrelay/internal/events"
)

// AuthUnavailableMessage is returned while the auth service is not ready.
const AuthUnavailableMessage = "authentication service unavailable, try again later"

func (s *Server) registerAuthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "start-login",
		Method:      http.MethodPost,
		Path:        "/api/auth/start-login",
		Summary:     "Start Login",
		Description: "Ask Telegram to send a login code to the phone",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 429, 502, 503},
	}, func(ctx context.Context, input *models.PhoneRequest) (*models.LoginResponse, error) {
		phone := normalizePhone(input.Body.Phone)
		if err := s.allowLogin(phone); err != nil {
			return nil, err
		}
		res, err := s.options.Auth.StartLogin(ctx, phone)
		return s.loginResponse(phone, res, err)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "verify-code",
		Method:      http.MethodPost,
		Path:        "/api/auth/verify-code",
		Summary:     "Verify Code",
		Description: "Submit the login code received from Telegram",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 429, 502, 503},
	}, func(ctx context.Context, input *models.VerifyCodeRequest) (*models.LoginResponse, error) {
		phone := normalizePhone(input.Body.Phone)
		if err := s.allowLogin(phone); err != nil {
			return nil, err
		}
		res, err := s.options.Auth.VerifyCode(ctx, phone, strings.TrimSpace(input.Body.Code))
		return s.loginResponse(phone, res, err)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "verify-2fa",
		Method:      http.MethodPost,
		Path:        "/api/auth/verify-2fa",
		Summary:     "Verify Password",
		Description: "Submit the two-factor password",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 429, 502, 503},
	}, func(ctx context.Context, input *models.Verify2FARequest) (*models.LoginResponse, error) {
		phone := normalizePhone(input.Body.Phone)
		if err := s.allowLogin(phone); err != nil {
			return nil, err
		}
		res, err := s.options.Auth.Verify2FA(ctx, phone, input.Body.Password)
		return s.loginResponse(phone, res, err)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-login",
		Method:      http.MethodPost,
		Path:        "/api/auth/cancel-login",
		Summary:     "Cancel Login",
		Description: "Abandon a login in progress",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 502, 503},
	}, func(ctx context.Context, input *models.PhoneRequest) (*models.LoginResponse, error) {
		phone := normalizePhone(input.Body.Phone)
		res, err := s.options.Auth.CancelLogin(ctx, phone)
		return s.loginResponse(phone, res, err)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/api/auth/logout",
		Summary:     "Logout",
		Description: "Log out one session, or all of them when no phone is given",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 502, 503},
	}, func(ctx context.Context, input *models.LogoutRequest) (*models.LoginResponse, error) {
		var phone *string
		if p := normalizePhone(input.Body.Phone); p != "" {
			phone = &p
		}
		res, err := s.options.Auth.Logout(ctx, phone)
		masked := ""
		if phone != nil {
			masked = *phone
		}
		return s.loginResponse(masked, res, err)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "login-status",
		Method:      http.MethodGet,
		Path:        "/api/auth/login-status/{phone}",
		Summary:     "Login Status",
		Description: "Stored session state for a phone",
		Tags:        []string{"auth"},
		Security:    withAuth(),
		Errors:      []int{401, 502, 503},
	}, func(ctx context.Context, input *models.LoginStatusRequest) (*models.LoginStatusResponse, error) {
		res, err := s.options.Auth.LoginStatus(ctx, normalizePhone(input.Phone))
		if err != nil {
			return nil, authError(err)
		}
		data := models.LoginStatusData{
			Step:     string(res.Step()),
			Status:   res.Status,
			IsActive: res.IsActive,
			Message:  res.Message,
		}
		if res.ErrorMessage != nil {
			data.Error = *res.ErrorMessage
		}
		return &models.LoginStatusResponse{Body: data}, nil
	})
}

func (s *Server) allowLogin(phone string) error {
	if s.limiter == nil || s.limiter.Allow(phone) {
		return nil
	}
	s.logger.Warn("Login rate limit exceeded", "phone", authsvc.MaskPhone(phone))
	return huma.Error429TooManyRequests("Too many login attempts for this phone, try again later")
}

func (s *Server) loginResponse(phone string, res *authsvc.LoginResult, err error) (*models.LoginResponse, error) {
	if err != nil {
		return nil, authError(err)
	}

	s.publishLoginStep(phone, res)
	return &models.LoginResponse{
		Body: models.LoginData{
			Step:          string(res.Step()),
			Status:        res.Status,
			Message:       res.Message,
			Error:         res.Error,
			PhoneCodeHash: res.PhoneCodeHash,
			SessionString: res.SessionString,
			UserID:        res.UserID,
			FirstName:     res.FirstName,
			Username:      res.Username,
		},
	}, nil
}

func (s *Server) publishLoginStep(phone string, res *authsvc.LoginResult) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.LoginStepEvent{
		Phone:     authsvc.MaskPhone(phone),
		Step:      string(res.Step()),
		Status:    res.Status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// authError maps auth service failures onto HTTP errors.
func authError(err error) error {
	if authsvc.IsUnavailable(err) {
		return huma.Error503ServiceUnavailable(AuthUnavailableMessage)
	}

	var rpcErr *authsvc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Status >= 400 {
		msg := rpcErr.Message
		if msg == "" {
			msg = http.StatusText(rpcErr.Status)
		}
		return huma.NewError(rpcErr.Status, msg)
	}
	return huma.Error502BadGateway("Auth service call failed", err)
}

func normalizePhone(phone string) string {
	return strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
}
