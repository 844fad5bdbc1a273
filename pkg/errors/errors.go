package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
)

type AppError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Err     error                  `json:"-"`
	Fields  map[string]interface{} `json:"-"`
}

// Sentinels for errors.Is. They match any AppError carrying the same code.
var (
	ErrValidation = &AppError{Code: http.StatusBadRequest}
	ErrNotFound   = &AppError{Code: http.StatusNotFound}
	ErrStorage    = &AppError{Code: http.StatusInternalServerError}
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil {
		return t.Code == e.Code
	}
	return t == e
}

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]interface{}),
	}
}

// WithField adds a single additional field to be serialized with the error response.
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func Validation(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, nil)
}

// MissingFields is the validation error for absent required payload fields.
func MissingFields(fields ...string) *AppError {
	missing := append([]string(nil), fields...)
	return Validation("Missing required fields: "+strings.Join(missing, ", ")).WithField("missing", missing)
}

func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, nil)
}

// Storage wraps a database failure. The message goes out as "details"; err is only logged.
func Storage(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, "Internal server error", err).WithField("details", message)
}

func MethodNotAllowed() *AppError {
	return NewAppError(http.StatusMethodNotAllowed, "Method not allowed", nil)
}

// From coerces any error into an AppError, treating unknown errors as storage failures.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}
	return Storage("unexpected failure", err)
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	payload := map[string]interface{}{
		"error": err.Message,
		"code":  err.Code,
	}
	for k, v := range err.Fields {
		if k == "error" || k == "code" {
			continue
		}
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}
