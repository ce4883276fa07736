package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedEnvelope     = sterrors.New("jobflow: malformed task envelope")
	ErrInvalidTask           = sterrors.New("jobflow: invalid task")
	ErrStreamConfigConflict  = sterrors.New("jobflow: stream configuration conflict")
	ErrStreamNotFound        = sterrors.New("jobflow: stream not found")
	ErrConnectionLost        = sterrors.New("jobflow: broker connection lost")
	ErrProcessingFailure     = sterrors.New("jobflow: task processing failed")
	ErrConsumerFilterOverlap = sterrors.New("jobflow: consumer filter overlaps on workqueue stream")
	ErrNoStreamForSubject    = sterrors.New("jobflow: no stream bound to subject")
	ErrLoopStopped           = sterrors.New("jobflow: consumption loop stopped")
	ErrConsumerNameMismatch  = sterrors.New("jobflow: consumer name and durable name must match")
	ErrStreamNameRequired    = sterrors.New("jobflow: stream name is required")
	ErrConsumerNameRequired  = sterrors.New("jobflow: consumer name is required")
	ErrSubjectRequired       = sterrors.New("jobflow: stream subject is required")
	ErrSubjectPrefixRequired = sterrors.New("jobflow: subject prefix is required")
	ErrHandlerRequired       = sterrors.New("jobflow: task handler is required")
	ErrConnectionRequired    = sterrors.New("jobflow: broker connection is required")
	ErrConfigRequired        = sterrors.New("jobflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("jobflow: logger is required")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "jobflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// StreamConflictError reports which settings of an existing stream differ from
// the requested declaration.
type StreamConflictError struct {
	Stream string
	Fields []string
}

func (e *StreamConflictError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", ErrStreamConfigConflict, e.Stream)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrStreamConfigConflict, e.Stream, strings.Join(e.Fields, ", "))
}

func (e *StreamConflictError) Is(target error) bool {
	return target == ErrStreamConfigConflict
}

// ProcessingError carries the task that a handler failed to process.
type ProcessingError struct {
	TaskID  int64
	Subject string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: task %d on %s: %v", ErrProcessingFailure, e.TaskID, e.Subject, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessingFailure
}
