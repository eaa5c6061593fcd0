package habitkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for the habitkit package.
var (
	// ErrClosed is returned when operations are attempted on a closed service.
	ErrClosed = errors.New("sync service is closed")

	// ErrNotConfigured is returned when a SyncService is used before its
	// remote and local stores are set. This is a programmer error, not a
	// connectivity condition.
	ErrNotConfigured = errors.New("sync service is not configured")

	// ErrDocumentNotFound is returned by remote stores for missing documents.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrKeyNotFound is returned by local stores for missing keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrRemoteUnavailable indicates a transient remote failure (network
	// error, timeout, service unavailable). Operations failing with this
	// class are eligible for the retry queue.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrRemoteRejected indicates a non-retryable remote failure
	// (authorization denied, malformed request). Operations failing with
	// this class fall back to the local store but are never enqueued.
	ErrRemoteRejected = errors.New("remote store rejected operation")

	// ErrQueueFull is returned when a bounded retry queue cannot accept
	// another operation without dropping its oldest entry.
	ErrQueueFull = errors.New("retry queue is full")

	// ErrUserExists is returned on registration when the email is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidCredentials is returned on a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrImportVersion is returned when a backup envelope has an
	// unsupported format version.
	ErrImportVersion = errors.New("unsupported export version")
)

// SyncErrorOp categorizes the operation that produced a SyncError.
type SyncErrorOp int

const (
	// SyncOpUnknown is an unclassified operation.
	SyncOpUnknown SyncErrorOp = iota
	// SyncOpRead indicates a remote read failure.
	SyncOpRead
	// SyncOpWrite indicates a remote write failure.
	SyncOpWrite
	// SyncOpBatch indicates a multi-entity batch failure.
	SyncOpBatch
	// SyncOpDrain indicates a retry queue drain failure.
	SyncOpDrain
)

// SyncError provides detailed information about a sync operation failure.
// The sync layer itself never propagates a SyncError for availability
// reasons; it logs the error and degrades to the local store. SyncError is
// surfaced only through queue drain results and telemetry.
type SyncError struct {
	Op        SyncErrorOp
	Entity    string
	Key       string
	Retryable bool
	Cause     error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sync %s %s[%s]: %v", syncOpName(e.Op), e.Entity, e.Key, e.Cause)
	}
	return fmt.Sprintf("sync %s %s[%s] failed", syncOpName(e.Op), e.Entity, e.Key)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	if e.Retryable {
		return target == ErrRemoteUnavailable
	}
	return target == ErrRemoteRejected
}

func syncOpName(op SyncErrorOp) string {
	switch op {
	case SyncOpRead:
		return "read"
	case SyncOpWrite:
		return "write"
	case SyncOpBatch:
		return "batch"
	case SyncOpDrain:
		return "drain"
	default:
		return "op"
	}
}

func newSyncError(op SyncErrorOp, entity, key string, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Entity:    entity,
		Key:       key,
		Retryable: IsRetryable(cause),
		Cause:     cause,
	}
}

// IsRetryable reports whether an error represents a transient remote
// failure worth replaying from the retry queue. Context expiry on a remote
// call counts as a timeout and is retryable later, even though the Retryer
// will not spin on it within the same attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRemoteUnavailable) {
		return true
	}
	if errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrDocumentNotFound) {
		return false
	}
	// A deadline hit on the per-call timeout is equivalent to a network
	// failure for queueing purposes.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
