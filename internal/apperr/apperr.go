// Package apperr holds the pipeline's error taxonomy.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidConfiguration Code = "invalid_configuration"
	CodeNormalization        Code = "normalization_failure"
	CodeHandler              Code = "handler_failure"
	CodeBackingStore         Code = "backing_store_unavailable"
	CodeDeserialization      Code = "deserialization_failure"
	CodeNotFound             Code = "not_found"
)

// AppError carries a code and an optional cause; it works with errors.Is/As.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func InvalidConfiguration(msg string, cause error) *AppError {
	return &AppError{Code: CodeInvalidConfiguration, Message: msg, Cause: cause}
}

func Normalization(msg string, cause error) *AppError {
	return &AppError{Code: CodeNormalization, Message: msg, Cause: cause}
}

func Handler(msg string, cause error) *AppError {
	return &AppError{Code: CodeHandler, Message: msg, Cause: cause}
}

func BackingStore(cause error) *AppError {
	return &AppError{Code: CodeBackingStore, Message: "backing store unavailable", Cause: cause}
}

func Deserialization(cause error) *AppError {
	return &AppError{Code: CodeDeserialization, Message: "cannot deserialize message", Cause: cause}
}

func NotFound(msg string) *AppError {
	return &AppError{Code: CodeNotFound, Message: msg}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
