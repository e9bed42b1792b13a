// Package progress fans migration progress, error and success events out to
// externally supplied subscribers (push transports, API layers, CLIs).
//
// Reporting is strictly non-fatal: a subscriber that returns an error or
// panics is logged and skipped, and the triggering operation proceeds
// unaffected. The reporter holds no state of its own.
package progress

import (
	"fmt"
	"log/slog"
)

// ProgressEvent describes a coarse milestone within a running operation.
type ProgressEvent struct {
	Operation string // Operation identifier (e.g. "drop_columns:downloads")
	Percent   int    // Completion estimate in the range 0..100
	Detail    string // Human-readable milestone description
}

// ErrorEvent describes a failure within an operation.
type ErrorEvent struct {
	Operation string
	Detail    string
	Err       error
}

// SuccessEvent describes the successful completion of an operation.
type SuccessEvent struct {
	Operation string
	Message   string
}

// Subscriber receives migration events. Implementations live outside the
// migration core; returning an error never aborts the reporting operation.
type Subscriber interface {
	OnProgress(ProgressEvent) error
	OnError(ErrorEvent) error
	OnSuccess(SuccessEvent) error
}

// Reporter fans events out to zero or more subscribers.
type Reporter struct {
	subscribers []Subscriber
	logger      *slog.Logger
}

// NewReporter creates a Reporter delivering to the given subscribers.
func NewReporter(logger *slog.Logger, subscribers ...Subscriber) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{subscribers: subscribers, logger: logger}
}

// Subscribe registers an additional subscriber.
func (r *Reporter) Subscribe(s Subscriber) {
	if r == nil || s == nil {
		return
	}
	r.subscribers = append(r.subscribers, s)
}

// Progress reports a milestone for the named operation. Percent is clamped
// to 0..100.
func (r *Reporter) Progress(operation string, percent int, detail string) {
	if r == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	event := ProgressEvent{Operation: operation, Percent: percent, Detail: detail}
	for _, sub := range r.subscribers {
		r.deliver(operation, func(s Subscriber) error { return s.OnProgress(event) }, sub)
	}
}

// Error reports a failure for the named operation.
func (r *Reporter) Error(operation string, err error, detail string) {
	if r == nil {
		return
	}
	event := ErrorEvent{Operation: operation, Detail: detail, Err: err}
	for _, sub := range r.subscribers {
		r.deliver(operation, func(s Subscriber) error { return s.OnError(event) }, sub)
	}
}

// Success reports the completion of the named operation.
func (r *Reporter) Success(operation, message string) {
	if r == nil {
		return
	}
	event := SuccessEvent{Operation: operation, Message: message}
	for _, sub := range r.subscribers {
		r.deliver(operation, func(s Subscriber) error { return s.OnSuccess(event) }, sub)
	}
}

// deliver invokes one subscriber callback, converting panics into logged
// errors so that no subscriber can fail the migration path.
func (r *Reporter) deliver(operation string, fn func(Subscriber) error, sub Subscriber) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("progress subscriber panicked",
				"operation", operation, "panic", fmt.Sprint(rec))
		}
	}()
	if err := fn(sub); err != nil {
		r.logger.Warn("progress subscriber failed",
			"operation", operation, "error", err)
	}
}
