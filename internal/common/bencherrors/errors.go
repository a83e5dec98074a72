// Package bencherrors contains generic errors returned throughout flowbench.
//
// Callers should match on these with errors.As rather than comparing error strings. If multiple errors occur in
// some function (e.g., several invalid workflow definitions), that function should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that encapsulates those individual errors.
package bencherrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "run" or "workflow"
	Value   string // Resource name, e.g., "perf_dag_1"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "run"
	Value   string // Resource name, e.g., "perf_dag_1@2022-01-01T00:00:00Z"
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
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "executorClass"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrRunCountMismatch indicates a workflow whose end date does not line up with the number of runs requested.
// Benchmarking such a workflow would either never finish or finish early, so it is always fatal.
type ErrRunCountMismatch struct {
	WorkflowId string
	// Configured end date; nil if the workflow has none.
	EndDate *time.Time
	// Logical date of the last run the benchmark needs.
	Expected time.Time
}

func (err *ErrRunCountMismatch) Error() string {
	endDate := "None"
	if err.EndDate != nil {
		endDate = err.EndDate.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"workflow %s has incorrect end date (%s) for number of runs! It should be %s",
		err.WorkflowId, endDate, err.Expected.Format(time.RFC3339),
	)
}

// IsAlreadyExists returns true if err, or any error in its chain, is an ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}

// IsNotFound returns true if err, or any error in its chain, is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
