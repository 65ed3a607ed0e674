package async

import (
	"context"
	"strings"

	"github.com/teranos/mundo/errors"
)

// Processing-time failures. All of them are terminal for the job.
var (
	// ErrExtraction means the input blob was missing or could not be unpacked
	ErrExtraction = errors.New("extraction failed")

	// ErrContentNotFound means no directory containing the world marker was found
	ErrContentNotFound = errors.New("world content not found")

	// ErrTransformFailed means the transformer exited non-zero or produced nothing
	ErrTransformFailed = errors.New("transform failed")

	// ErrStuckJob means a job stayed in processing past its budget
	ErrStuckJob = errors.New("job stuck in processing")
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeExtraction      ErrorCode = "extraction_error"
	ErrorCodeContentNotFound ErrorCode = "content_not_found"
	ErrorCodeTransform       ErrorCode = "transform_failed"
	ErrorCodeStuck           ErrorCode = "stuck_job_timeout"
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
	State   JobState  // Error state the job moves to
}

// ClassifyError categorizes a processing error. Typed sentinels win; the
// message patterns only catch errors that arrive unwrapped.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
			State:   StateErrorProcessing,
		}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
		State:   StateErrorProcessing,
	}

	switch {
	case errors.Is(err, ErrStuckJob):
		ctx.Code = ErrorCodeStuck
		ctx.State = StateErrorTimeoutOrFailed
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.State = StateErrorTimeoutOrFailed
	case errors.Is(err, ErrExtraction):
		ctx.Code = ErrorCodeExtraction
	case errors.Is(err, ErrContentNotFound):
		ctx.Code = ErrorCodeContentNotFound
	case errors.Is(err, ErrTransformFailed):
		ctx.Code = ErrorCodeTransform
	default:
		ctx.Code = classifyMessage(strings.ToLower(ctx.Message))
	}

	return ctx
}

func classifyMessage(msg string) ErrorCode {
	switch {
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "file not found"):
		return ErrorCodeFileNotFound
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		return ErrorCodeDatabaseError
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return ErrorCodeTimeout
	default:
		return ErrorCodeUnknown
	}
}
