package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retrying,
// skipping and aborting without matching on message text.
type ErrorKind string

const (
	KindGeneric        ErrorKind = "offgrid"
	KindTransient      ErrorKind = "transient"
	KindMalformed      ErrorKind = "malformed"
	KindInitialization ErrorKind = "initialization"
	KindValidation     ErrorKind = "validation"
	KindSecurity       ErrorKind = "security"
	KindStorage        ErrorKind = "storage"
)

type OffgridError struct {
	Kind    ErrorKind
	Message string
	Details string
}

func (e *OffgridError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithDetails returns a copy carrying extra context; the copy still matches
// the original sentinel under errors.Is.
func (e *OffgridError) WithDetails(details string) *OffgridError {
	c := *e
	c.Details = details
	return &c
}

func (e *OffgridError) Is(target error) bool {
	t, ok := target.(*OffgridError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func NewOffgridError(msg string) *OffgridError {
	return &OffgridError{Kind: KindGeneric, Message: msg}
}

func TransientError(msg string) *OffgridError {
	return &OffgridError{Kind: KindTransient, Message: msg}
}

func MalformedError(msg string) *OffgridError {
	return &OffgridError{Kind: KindMalformed, Message: msg}
}

func InitializationError(msg string) *OffgridError {
	return &OffgridError{Kind: KindInitialization, Message: msg}
}

func ValidationError(msg string) *OffgridError {
	return &OffgridError{Kind: KindValidation, Message: msg}
}

func SecurityError(msg string) *OffgridError {
	return &OffgridError{Kind: KindSecurity, Message: msg}
}

func StorageError(msg string) *OffgridError {
	return &OffgridError{Kind: KindStorage, Message: msg}
}

func kindOf(err error) (ErrorKind, bool) {
	var oe *OffgridError
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return "", false
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

func IsMalformed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindMalformed
}

func IsValidationError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

func IsSecurityError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSecurity
}

func IsStorageError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStorage
}

func IsInitializationError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInitialization
}
