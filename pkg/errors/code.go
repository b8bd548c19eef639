package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Run admission & lookup errors
// 21000-21999: Run execution errors
// 22000-22999: Function handler errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	MethodNotAllowed    ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// ========== Run Admission & Lookup Errors (20000-20999) ==========

	RunsLimitReached   ErrorCode = 20000
	RunIDAlreadyExists ErrorCode = 20001
	RunBeingDeleted    ErrorCode = 20002
	NoSuchRun          ErrorCode = 20003
	MissingHeaderRunID ErrorCode = 20004
	ProcessNotFinished ErrorCode = 20005
	ReportNotReady     ErrorCode = 20006
	InputTooLarge      ErrorCode = 20007

	// ========== Run Execution Errors (21000-21999) ==========

	MaxOutputSizeReached ErrorCode = 21000
	NonZeroReturnCode    ErrorCode = 21001
	ProcessNotStarted    ErrorCode = 21002

	// ========== Function Handler Errors (22000-22999) ==========

	InvalidHandler ErrorCode = 22000
)

// errorNames maps error codes to the kind rendered to callers
var errorNames = map[ErrorCode]string{
	Success:              "Success",
	InternalServerError:  "InternalServerError",
	InvalidParams:        "InvalidArguments",
	NotFound:             "NotFound",
	ServiceUnavailable:   "ServiceUnavailable",
	Timeout:              "Timeout",
	MethodNotAllowed:     "MethodNotAllowed",
	CacheError:           "CacheError",
	RunsLimitReached:     "RunsLimitReached",
	RunIDAlreadyExists:   "RunIDAlreadyExists",
	RunBeingDeleted:      "RunBeingDeleted",
	NoSuchRun:            "NoSuchRun",
	MissingHeaderRunID:   "MissingHeaderRunID",
	ProcessNotFinished:   "ProcessNotFinished",
	ReportNotReady:       "ReportNotReady",
	InputTooLarge:        "InputTooLarge",
	MaxOutputSizeReached: "MaxOutputSizeReached",
	NonZeroReturnCode:    "NonZeroReturnCode",
	ProcessNotStarted:    "ProcessNotStarted",
	InvalidHandler:       "InvalidHandler",
}

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Something broke in the server",
	InvalidParams:       "Some arguments for the request were invalid or missing",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	MethodNotAllowed:    "Method not allowed on this route",
	CacheError:          "Cache operation failed",

	RunsLimitReached:   "Runs limit reached for this server",
	RunIDAlreadyExists: "Run id already exists",
	RunBeingDeleted:    "Run is in delete process",
	NoSuchRun:          "Run doesn't exist",
	MissingHeaderRunID: "Missing header x-run-id",
	ProcessNotFinished: "The run is not finished yet",
	ReportNotReady:     "The report for the run is not ready yet",
	InputTooLarge:      "Input size exceeded",

	MaxOutputSizeReached: "Max output size reached",
	NonZeroReturnCode:    "Process returned non zero",
	ProcessNotStarted:    "Process was not started",

	InvalidHandler: "Invalid function handler",
}

// Name returns the error kind used on the wire (x-error trailer, status error field)
func (c ErrorCode) Name() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return "UnknownError"
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return 200
	case InvalidParams, MissingHeaderRunID, RunsLimitReached:
		return 400
	case NotFound, NoSuchRun:
		return 404
	case MethodNotAllowed:
		return 405
	case RunIDAlreadyExists, RunBeingDeleted, ProcessNotFinished, ReportNotReady:
		return 409
	case InputTooLarge:
		return 413
	case ServiceUnavailable:
		return 503
	case Timeout:
		return 504
	default:
		return 500
	}
}
