package service

import "errors"

// ErrFeedbackRequestNotFound indicates no record exists for the submission.
var ErrFeedbackRequestNotFound = errors.New("feedback request not found")

// ErrRetryNotAllowed indicates a manual retry was requested for a record that has not failed.
var ErrRetryNotAllowed = errors.New("only failed feedback requests can be retried")

// ErrAttemptsExhausted indicates the record already used every allowed attempt.
var ErrAttemptsExhausted = errors.New("feedback request has no attempts left")

// ErrAlreadyCompleted indicates feedback was already delivered for the submission.
var ErrAlreadyCompleted = errors.New("feedback already completed")

// ErrAssignmentContextNotFound indicates the assignment has no cached context.
var ErrAssignmentContextNotFound = errors.New("assignment context not found")

// ErrInvalidCleanupWindow indicates a cleanup window below one day.
var ErrInvalidCleanupWindow = errors.New("cleanup window must be at least one day")
