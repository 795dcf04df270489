package api

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserInfo describes the user behind an authenticated session.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin"`
}

// LoginResponse is returned from POST /auth/login and POST /auth/password.
// Token is the session token, for clients that authenticate with a
// bearer header instead of the cookie.
type LoginResponse struct {
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"`
	User      UserInfo `json:"user"`
}

// SessionResponse is returned from GET /auth/session.
type SessionResponse struct {
	IsAuthenticated bool      `json:"is_authenticated"`
	User            *UserInfo `json:"user,omitempty"`
}

// ChangePasswordRequest is the JSON body for POST /auth/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ForgotPasswordRequest is the JSON body for POST /auth/password/forgot.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the JSON body for POST /auth/password/reset.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ValidateResetResponse is returned from GET /auth/password/reset/{token}.
type ValidateResetResponse struct {
	Valid bool `json:"valid"`
}

// IssueResetResponse is returned from POST /admin/users/{userID}/reset-tokens.
type IssueResetResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

// SuccessResponse is a generic acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is returned for all error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}
