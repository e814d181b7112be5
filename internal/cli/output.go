// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed, e.g. a sync pass with errors
	ExitCommandError = 2 // bad flags, unreadable config, locked store
)

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Plain errors map to
// ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Output writes command results as text or JSON.
type Output struct {
	Format string
	Writer io.Writer
}

// Result writes data. In text mode text is printed instead; JSON output
// always carries data.
func (o *Output) Result(data interface{}, text string) error {
	if o.Format == "json" {
		return o.writeJSON(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(o.Writer, text)
	return err
}

// Failure reports err in the configured format.
func (o *Output) Failure(err error) error {
	if o.Format == "json" {
		return o.writeJSON(Response{Status: "error", Error: err.Error()})
	}
	_, werr := fmt.Fprintf(o.Writer, "error: %v\n", err)
	return werr
}

func (o *Output) writeJSON(v interface{}) error {
	enc := json.NewEncoder(o.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
