package authsvc

import "strings"

// LoginStep is the phase of an interactive login, derived from the service status.
type LoginStep string

// Login steps.
const (
	StepPhone        LoginStep = "phone"
	StepAwaitingCode LoginStep = "awaiting_code"
	StepAwaiting2FA  LoginStep = "awaiting_2fa"
	StepComplete     LoginStep = "complete"
	StepCancelled    LoginStep = "cancelled"
	StepFailed       LoginStep = "failed"
)

// Error codes reported by the auth service in LoginResult.Error.
const (
	CodePhoneInvalid    = "phone_invalid"
	CodePhoneBanned     = "phone_banned"
	CodePhoneFlood      = "phone_flood"
	CodeFloodWait       = "flood_wait"
	CodeAPIInvalid      = "api_invalid"
	CodeCodeInvalid     = "code_invalid"
	CodeCodeExpired     = "code_expired"
	CodeSessionExpired  = "session_expired"
	CodePasswordInvalid = "password_invalid"
	CodeUnknown         = "unknown"
)

// LoginResult is the body returned by the login RPCs.
type LoginResult struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	PhoneCodeHash string `json:"phone_code_hash,omitempty"`
	SessionString string `json:"session_string,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	Username      string `json:"username,omitempty"`
}

// Step maps the raw status onto a LoginStep.
func (r *LoginResult) Step() LoginStep {
	return stepFromStatus(r.Status)
}

// StatusResult is the body returned by the login-status RPC.
type StatusResult struct {
	Status       string  `json:"status"`
	IsActive     bool    `json:"is_active"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// Step maps the stored session status onto a LoginStep.
func (r *StatusResult) Step() LoginStep {
	return stepFromStatus(r.Status)
}

func stepFromStatus(status string) LoginStep {
	switch status {
	case "code_sent", "awaiting_code":
		return StepAwaitingCode
	case "2fa_required", "awaiting_password":
		return StepAwaiting2FA
	case "success", "active":
		return StepComplete
	case "cancelled":
		return StepCancelled
	case "error":
		return StepFailed
	default:
		return StepPhone
	}
}

// MaskPhone hides the middle digits of a phone number for logs.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 6 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}
