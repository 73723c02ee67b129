// Package errors reports startup failures and carries the process exit code
// back to main.
package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/livequery/logger"
)

// StartupError is a failure of one named startup or runtime step.
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func NewStartupError(step string, err error) *StartupError {
	return &StartupError{Step: step, Err: err}
}

// ErrorHandler logs fatal conditions and hands main the exit code. Only the
// first reported failure decides the code.
type ErrorHandler struct {
	exitCode chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitCode: make(chan int, 1)}
}

func (eh *ErrorHandler) report(code int) {
	select {
	case eh.exitCode <- code:
	default:
	}
}

// FatalError records a failure that stops the process.
func (eh *ErrorHandler) FatalError(step string, err error) {
	logger.Error("FATAL: " + NewStartupError(step, err).Error())
	eh.report(1)
}

// ConfigError distinguishes a missing configuration file from one that
// does not parse.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.report(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.report(2)
}

// WaitForExit blocks until a failure was reported and returns its exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitCode
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitCode:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Shutdown logs why the process is stopping.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
