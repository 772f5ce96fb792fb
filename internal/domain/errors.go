package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a missing or invalid checkout field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type EmptySelectionError struct{}

func (*EmptySelectionError) Error() string {
	return "no items selected"
}

// InvalidOrderStateError is fatal to the current flow; the order must be recreated.
type InvalidOrderStateError struct {
	OrderCode string
	Reason    string
}

func (e *InvalidOrderStateError) Error() string {
	if e.OrderCode == "" {
		return "invalid order state: " + e.Reason
	}
	return fmt.Sprintf("invalid order state for %s: %s", e.OrderCode, e.Reason)
}

type ExpiredSessionError struct {
	OrderCode string
}

func (e *ExpiredSessionError) Error() string {
	return fmt.Sprintf("payment session for %s has expired", e.OrderCode)
}

// NetworkError wraps a transient failure talking to the payment API.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsEmptySelection(err error) bool {
	var target *EmptySelectionError
	return errors.As(err, &target)
}

func IsInvalidOrderState(err error) bool {
	var target *InvalidOrderStateError
	return errors.As(err, &target)
}

func IsExpiredSession(err error) bool {
	var target *ExpiredSessionError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}
