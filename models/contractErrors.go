package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrContractNotFound  = errors.New("contract not found")
	ErrPartyNotFound     = errors.New("party not found")
	ErrNoAmountSpecified = errors.New("no amount specified")
	ErrForbidden         = errors.New("forbidden")

	ErrNotificationNotFound = errors.New("notification not found")
)

// InvalidTransitionError is returned when a lifecycle action's guard fails.
type InvalidTransitionError struct {
	Status    ContractStatus
	Action    string
	Condition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s while %s: %s", e.Action, e.Status, e.Condition)
}

func invalidTransition(status ContractStatus, action string, format string, args ...any) error {
	return &InvalidTransitionError{Status: status, Action: action, Condition: fmt.Sprintf(format, args...)}
}

type ConcurrentModificationError struct {
	ContractId string
	Expected   int64
	Actual     int64
}

func (e *ConcurrentModificationError) Error() string {
	if e.Actual > 0 {
		return fmt.Sprintf("concurrent modification of contract %s: expected version %d, found %d", e.ContractId, e.Expected, e.Actual)
	}
	return fmt.Sprintf("concurrent modification of contract %s: expected version %d", e.ContractId, e.Expected)
}

// ValidationError is raised before any mutation; Fields maps field name to the failed rule.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Fields[k])
	}
	msg := e.Message
	if msg == "" {
		msg = "invalid input"
	}
	return fmt.Sprintf("validation failed: %s (%s)", msg, strings.Join(parts, ", "))
}

func newValidationError(field, rule, message string) *ValidationError {
	return &ValidationError{Message: message, Fields: map[string]string{field: rule}}
}

type MissingApprovalsError struct {
	Missing []PartyRole
}

func (e *MissingApprovalsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		names[i] = string(r)
	}
	return "missing release approvals: " + strings.Join(names, ", ")
}

// CollaboratorFailureError wraps a failed call to the identity, escrow or notification backend.
// Contract state is never changed when this is returned.
type CollaboratorFailureError struct {
	Collaborator string
	Operation    string
	Err          error
}

func (e *CollaboratorFailureError) Error() string {
	return fmt.Sprintf("%s.%s failed: %v", e.Collaborator, e.Operation, e.Err)
}

func (e *CollaboratorFailureError) Unwrap() error { return e.Err }

func NewCollaboratorFailure(collaborator, operation string, err error) error {
	return &CollaboratorFailureError{Collaborator: collaborator, Operation: operation, Err: err}
}

// ErrorKind names the error taxonomy entry of err, or "" when err is not a domain error.
func ErrorKind(err error) string {
	var (
		it *InvalidTransitionError
		cm *ConcurrentModificationError
		ve *ValidationError
		ma *MissingApprovalsError
		cf *CollaboratorFailureError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &it):
		return "InvalidTransition"
	case errors.As(err, &cm):
		return "ConcurrentModification"
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.Is(err, ErrNoAmountSpecified):
		return "NoAmountSpecified"
	case errors.As(err, &ma):
		return "MissingApprovals"
	case errors.As(err, &cf):
		return "CollaboratorFailure"
	case errors.Is(err, ErrContractNotFound), errors.Is(err, ErrPartyNotFound), errors.Is(err, ErrNotificationNotFound):
		return "NotFound"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	}
	return ""
}
