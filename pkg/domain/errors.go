package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "Paste not found or has expired", http.StatusNotFound)
	ErrContentInvalid      = NewErr("CONTENT_INVALID", "Content invalid or size exceeds max chars", http.StatusBadRequest)
	ErrInvalidVisibility   = NewErr("INVALID_VISIBILITY", "Invalid visibility", http.StatusBadRequest)
	ErrInvalidExpiration   = NewErr("INVALID_EXPIRATION", "Invalid expiration value", http.StatusBadRequest)
	ErrInvalidJSON         = NewErr("INVALID_JSON", "Request body not compatible JSON format", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrDefaultExpiration   = NewErr("DEFAULT_EXPIRATION_INVALID", "PASTE_DEFAULT_EXPIRATION invalid", http.StatusInternalServerError)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "Rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "Unauthorized", http.StatusUnauthorized)
	ErrInvalidCredentials  = NewErr("INVALID_CREDENTIALS", "Invalid credentials", http.StatusUnauthorized)
	ErrForbidden           = NewErr("FORBIDDEN", "Forbidden", http.StatusForbidden)
	ErrUsernameInvalid     = NewErr("USERNAME_INVALID", "Username must be 1 to 8 characters", http.StatusBadRequest)
	ErrPasswordInvalid     = NewErr("PASSWORD_INVALID", "Password required", http.StatusBadRequest)
	ErrUsernameTaken       = NewErr("USERNAME_TAKEN", "Username already taken", http.StatusBadRequest)
	ErrAllocationExhausted = NewErr("ALLOCATION_EXHAUSTED", "could not allocate a unique title", http.StatusInternalServerError)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)

	// ErrTitleTaken is returned by stores when the unique title index rejects
	// an insert. It never reaches clients.
	ErrTitleTaken    = errors.New("title already taken")
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameInUse = errors.New("username already in use")
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// Cause returns the *Err behind err, if any.
func Cause(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Status(err error) int {
	if e, ok := Cause(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

func Message(err error) string {
	if e, ok := Cause(err); ok {
		return e.Msg
	}
	return ErrInternalServer.Msg
}
