package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Mount security errors
// 12000-12999: Sandbox run errors
// 13000-13999: Queue & admission errors
// 14000-14999: IPC errors
// 15000-15999: Scheduler & store errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10006
	Timeout             ErrorCode = 10007

	// Storage errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10302

	// ========== Mount Security Errors (11000-11999) ==========

	AllowlistUnreadable  ErrorCode = 11000
	DeniedMount          ErrorCode = 11001
	MountPathNotFound    ErrorCode = 11002
	BlockedMountPattern  ErrorCode = 11003
	InvalidContainerPath ErrorCode = 11004

	// ========== Sandbox Run Errors (12000-12999) ==========

	SpawnFailure   ErrorCode = 12000
	RunTimedOut    ErrorCode = 12001
	OutputTooLarge ErrorCode = 12002
	RunFailed      ErrorCode = 12003
	WorkspaceError ErrorCode = 12004

	// ========== Queue & Admission Errors (13000-13999) ==========

	QueueShutdown    ErrorCode = 13000
	RetriesExhausted ErrorCode = 13001
	GroupNotFound    ErrorCode = 13002

	// ========== IPC Errors (14000-14999) ==========

	MalformedIPC     ErrorCode = 14000
	UnauthorizedIPC  ErrorCode = 14001
	UnknownIPCType   ErrorCode = 14002
	IPCTargetUnknown ErrorCode = 14003

	// ========== Scheduler & Store Errors (15000-15999) ==========

	ScheduleComputeError ErrorCode = 15000
	TaskNotFound         ErrorCode = 15001
	InvalidScheduleKind  ErrorCode = 15002
)

var codeMessages = map[ErrorCode]string{
	Success:             "success",
	InternalServerError: "internal server error",
	InvalidParams:       "invalid parameters",
	NotFound:            "resource not found",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	ServiceUnavailable:  "service unavailable",
	Timeout:             "operation timed out",

	DatabaseError:       "database error",
	RecordNotFound:      "record not found",
	RecordAlreadyExists: "record already exists",

	ValidationFailed:   "validation failed",
	InvalidFormat:      "invalid format",
	RequiredFieldEmpty: "required field is empty",

	AllowlistUnreadable:  "mount allowlist is unreadable",
	DeniedMount:          "mount denied by policy",
	MountPathNotFound:    "mount host path does not exist",
	BlockedMountPattern:  "mount path matches a blocked pattern",
	InvalidContainerPath: "invalid container mount path",

	SpawnFailure:   "sandbox process failed to start",
	RunTimedOut:    "sandbox run exceeded its deadline",
	OutputTooLarge: "sandbox output exceeded the byte cap",
	RunFailed:      "sandbox run failed",
	WorkspaceError: "run workspace setup failed",

	QueueShutdown:    "queue is shutting down",
	RetriesExhausted: "retry attempts exhausted",
	GroupNotFound:    "group not found",

	MalformedIPC:     "malformed IPC envelope",
	UnauthorizedIPC:  "unauthorized IPC command",
	UnknownIPCType:   "unknown IPC command type",
	IPCTargetUnknown: "IPC target group is not registered",

	ScheduleComputeError: "schedule expression could not be computed",
	TaskNotFound:         "scheduled task not found",
	InvalidScheduleKind:  "invalid schedule kind",
}

// Message returns the default human-readable message for a code.
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// HTTPStatus maps an error code to the HTTP status the admin API returns.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return http.StatusOK
	case InvalidParams, ValidationFailed, InvalidFormat, RequiredFieldEmpty,
		InvalidScheduleKind, MalformedIPC, InvalidContainerPath:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, UnauthorizedIPC, DeniedMount, BlockedMountPattern:
		return http.StatusForbidden
	case NotFound, RecordNotFound, TaskNotFound, GroupNotFound,
		MountPathNotFound, IPCTargetUnknown:
		return http.StatusNotFound
	case RecordAlreadyExists:
		return http.StatusConflict
	case Timeout, RunTimedOut:
		return http.StatusGatewayTimeout
	case ServiceUnavailable, QueueShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a failure with this code may be retried by the
// group queue. Policy violations and limit kills are terminal.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case SpawnFailure, WorkspaceError, DatabaseError, ServiceUnavailable, RunFailed:
		return true
	default:
		return false
	}
}
