// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/capcore/pkg/errors"
)

// CLIError wraps an execution error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the wrapped error to errors.Is.
func (e *CLIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// WrapExecutionError attaches a hint chosen by the error code.
func WrapExecutionError(err error, capabilityID string) *CLIError {
	e := errors.AsError(err)
	return NewCLIError(e, hintFor(e, capabilityID))
}

func hintFor(e *errors.Error, capabilityID string) string {
	switch e.Code {
	case errors.CodeCapabilityNotFound:
		return "run 'capcore list' to see registered capabilities"
	case errors.CodeAuthMissing:
		if name, ok := e.Context["env_var"].(string); ok && name != "" {
			return fmt.Sprintf("export %s before running %s", name, capabilityID)
		}
		return "export the credential variable declared in the manifest"
	case errors.CodeProviderUndetectable:
		return "add a <family>_requires_session key naming mcp, graphql or grpc to the manifest metadata"
	case errors.CodeNoHandlerForProvider:
		return "no executor or session handler is wired for this provider"
	case errors.CodeSessionExpired:
		return "the provider dropped the session twice in a row; try again"
	case errors.CodeTransport:
		if e.Recoverable {
			return "the provider timed out or failed; try increasing --timeout"
		}
		return "check that the provider endpoint is reachable"
	case errors.CodeProtocol:
		return "the provider answered with an unexpected payload"
	case errors.CodeInvalidInput:
		return "run 'capcore describe " + capabilityID + "' to check the manifest"
	default:
		return ""
	}
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	e := errors.New(errors.CodeCapabilityNotFound, fmt.Sprintf("%s '%s' not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(e, "run 'capcore list' to see registered capabilities")
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg)
	return NewCLIError(e, "run 'capcore help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the CAPCORE_ environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

func printError(w io.Writer, err error, asJSON bool) {
	cliErr, ok := err.(*CLIError)
	if !ok {
		cliErr = NewCLIError(errors.AsError(err), "")
	}
	if asJSON {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    cliErr.Err.Code,
				"message": cliErr.Err.Message,
				"hint":    cliErr.Hint,
			},
		})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", cliErr.Err.Code, cliErr.Err.Message)
	if cliErr.Err.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", cliErr.Err.Err)
	}
	if cliErr.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", cliErr.Hint)
	}
}
