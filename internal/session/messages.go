package session

import (
	"errors"

	"instafeed/internal/auth"
	"instafeed/internal/client"
)

const minPasswordLength = 6

// FormError is a failure that carries the message shown on the auth forms.
type FormError struct {
	Message string
	Err     error
}

func (e *FormError) Error() string { return e.Message }

func (e *FormError) Unwrap() error { return e.Err }

var (
	ErrMissingFields = &FormError{Message: "Please fill in all fields"}
	ErrShortPassword = &FormError{Message: "Password must be at least 6 characters"}
)

func registerError(err error) error {
	msg := "An error occurred during registration"
	switch codeOf(err) {
	case auth.CodeEmailAlreadyInUse:
		msg = "Email already in use"
	case auth.CodeInvalidEmail:
		msg = "Invalid email address"
	case auth.CodeOperationNotAllowed:
		msg = "Email/password accounts are not enabled"
	case auth.CodeWeakPassword:
		msg = "Password is too weak"
	}
	return &FormError{Message: msg, Err: err}
}

func loginError(err error) error {
	msg := "An error occurred during login"
	switch codeOf(err) {
	case auth.CodeInvalidCredential:
		msg = "Invalid email or password"
	case auth.CodeOperationNotAllowed:
		msg = "Email/password accounts are not enabled"
	}
	return &FormError{Message: msg, Err: err}
}

func codeOf(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// unauthorized reports whether the backend rejected the credentials, as
// opposed to being unreachable.
func unauthorized(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Status == 401
}
