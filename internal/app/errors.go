package app

import (
	"errors"
	"fmt"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	// ErrEmptyContent rejects saving a version with no visible text.
	ErrEmptyContent = errors.New("document content is empty")
	// ErrAlreadyDecided rejects a second decision on the same approval.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrUnauthorizedDecision rejects a decision by anyone but the assignee.
	ErrUnauthorizedDecision = errors.New("approval assigned to a different reviewer")
	// ErrContractArchived rejects writes against an archived contract.
	ErrContractArchived = errors.New("contract is archived")
	// ErrInvalidTransition rejects a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)
