package auth

import (
	"errors"
	"net/http"
)

const (
	CodeEmailAlreadyInUse   = "auth/email-already-in-use"
	CodeInvalidEmail        = "auth/invalid-email"
	CodeOperationNotAllowed = "auth/operation-not-allowed"
	CodeWeakPassword        = "auth/weak-password"
	CodeInvalidCredential   = "auth/invalid-credential"
)

// Error is an authentication failure carrying a stable machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Status maps the code to an HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeEmailAlreadyInUse:
		return http.StatusConflict
	case CodeOperationNotAllowed:
		return http.StatusForbidden
	case CodeInvalidCredential:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

var (
	ErrEmailAlreadyInUse   = &Error{Code: CodeEmailAlreadyInUse, Message: "email already in use"}
	ErrInvalidEmail        = &Error{Code: CodeInvalidEmail, Message: "invalid email address"}
	ErrOperationNotAllowed = &Error{Code: CodeOperationNotAllowed, Message: "email/password accounts are not enabled"}
	ErrWeakPassword        = &Error{Code: CodeWeakPassword, Message: "password must be at least 6 characters"}
	ErrInvalidCredentials  = &Error{Code: CodeInvalidCredential, Message: "invalid credentials"}
)

// CodeOf returns the auth code carried by err, or "" when there is none.
func CodeOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}
