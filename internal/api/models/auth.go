package models

// PhoneRequest carries a phone number in international format.
type PhoneRequest struct {
	Body struct {
		Phone string `json:"phone" minLength:"5" maxLength:"20" pattern:"^\\+?[0-9 ]+$" example:"+15551234567" doc:"Phone number in international format"`
	}
}

type VerifyCodeRequest struct {
	Body struct {
		Phone string `json:"phone" minLength:"5" maxLength:"20" pattern:"^\\+?[0-9 ]+$" example:"+15551234567" doc:"Phone number the code was sent to"`
		Code  string `json:"code" minLength:"3" maxLength:"10" example:"12345" doc:"Login code from Telegram"`
	}
}

type Verify2FARequest struct {
	Body struct {
		Phone    string `json:"phone" minLength:"5" maxLength:"20" pattern:"^\\+?[0-9 ]+$" example:"+15551234567" doc:"Phone number being logged in"`
		Password string `json:"password" minLength:"1" doc:"Two-factor password"`
	}
}

type LogoutRequest struct {
	Body struct {
		Phone string `json:"phone,omitempty" maxLength:"20" example:"+15551234567" doc:"Phone number to log out; empty logs out every session"`
	}
}

type LoginStatusRequest struct {
	Phone string `path:"phone" minLength:"5" maxLength:"20" example:"+15551234567" doc:"Phone number"`
}

// LoginData is the result of a login step.
type LoginData struct {
	Step          string `json:"step" enum:"phone,awaiting_code,awaiting_2fa,complete,cancelled,failed" example:"awaiting_code" doc:"Login step reached"`
	Status        string `json:"status" example:"code_sent" doc:"Raw status from the auth service"`
	Message       string `json:"message,omitempty" doc:"Human-readable message"`
	Error         string `json:"error,omitempty" example:"code_invalid" doc:"Error code from the auth service"`
	PhoneCodeHash string `json:"phone_code_hash,omitempty" doc:"Hash to pass back with the code"`
	SessionString string `json:"session_string,omitempty" doc:"Session string once login completes"`
	UserID        int64  `json:"user_id,omitempty" doc:"Telegram user id"`
	FirstName     string `json:"first_name,omitempty" doc:"Telegram first name"`
	Username      string `json:"username,omitempty" doc:"Telegram username"`
}

type LoginResponse struct {
	Body LoginData
}

// LoginStatusData is the stored session state for a phone.
type LoginStatusData struct {
	Step     string `json:"step" example:"complete" doc:"Login step"`
	Status   string `json:"status" example:"active" doc:"Raw session status"`
	IsActive bool   `json:"is_active" example:"true" doc:"Whether the session is active"`
	Error    string `json:"error,omitempty" doc:"Stored error message"`
	Message  string `json:"message,omitempty" doc:"Human-readable message"`
}

type LoginStatusResponse struct {
	Body LoginStatusData
}
