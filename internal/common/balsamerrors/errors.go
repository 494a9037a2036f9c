// Package balsamerrors contains the generic errors returned by the job pool and lease stores.
//
// Errors defined here describe contract violations by the caller (unknown ids, invalid budgets,
// acting on a lease that has already expired). They are never worth retrying. Any other error
// coming out of a store is assumed to be transient, see IsRetryable.
//
// If multiple errors occur in some function (e.g. reaping several leases), that function should
// return an error of type multierror.Error from package github.com/hashicorp/go-multierror.
package balsamerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "app" or "lease"
	Value   string // Resource identifier
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is returned whenever some resource isn't found.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "MaxNumJobs"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrLeaseExpired is returned when a caller acts through a lease that has been reaped, released,
// or has missed enough heartbeats to be considered dead. Work done through such a lease must be discarded.
type ErrLeaseExpired struct {
	LeaseID string
	Message string
}

func (err *ErrLeaseExpired) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("lease %s has expired", err.LeaseID)
	}
	return fmt.Sprintf("lease %s has expired; %s", err.LeaseID, err.Message)
}

// ErrConflict is returned when a requested change is incompatible with the current state of a resource,
// e.g. an illegal job state transition or updating a job held by another lease.
type ErrConflict struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrConflict) Error() string {
	return fmt.Sprintf("conflicting update to %s %q; %s", err.Type, err.Value, err.Message)
}

// IsRetryable returns false if err is, or wraps, one of the contract violations defined in this package.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrLeaseExpired
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrConflict
		if errors.As(err, &e) {
			return false
		}
	}
	return true
}

// IsLeaseExpired reports whether err is, or wraps, an ErrLeaseExpired.
func IsLeaseExpired(err error) bool {
	var e *ErrLeaseExpired
	return errors.As(err, &e)
}

// IsNotFound reports whether err is, or wraps, an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
