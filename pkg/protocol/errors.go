package protocol

// ErrorCode is the typed error taxonomy shared by both sides of the wire.
type ErrorCode string

const (
	CodeNetworkError         ErrorCode = "networkError"
	CodeTimeout              ErrorCode = "timeout"
	CodeVersionMismatch      ErrorCode = "versionMismatch"
	CodeAuthenticationFailed ErrorCode = "authenticationFailed"
	CodeConflict             ErrorCode = "conflict"
	CodeInvalidRequest       ErrorCode = "invalidRequest"
	CodeRateLimited          ErrorCode = "rateLimited"
	CodeStorageError         ErrorCode = "storageError"
	CodeInternal             ErrorCode = "internal"
	CodeUnknownDatabase      ErrorCode = "unknownDatabase"

	// CodeStateLost is returned when a pull asks for a cursor below the
	// oplog's retained range; the client must rebase from scratch instead of
	// silently receiving an empty page.
	CodeStateLost ErrorCode = "stateLost"
)

// Fatal reports whether an error code must stop the sync cycle instead of
// being retried with backoff.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeVersionMismatch, CodeAuthenticationFailed, CodeInvalidRequest, CodeStateLost:
		return true
	default:
		return false
	}
}

// Retryable reports whether a sync engine should back off and retry after
// seeing this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNetworkError, CodeTimeout, CodeRateLimited, CodeInternal:
		return true
	default:
		return false
	}
}

// SyncError is a typed protocol-level failure, carried either in an
// ErrorResponse frame or classified locally by the client transport.
type SyncError struct {
	Code    ErrorCode
	Message string
}

func (e *SyncError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewSyncError builds a SyncError with the given code and message.
func NewSyncError(code ErrorCode, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}
