package errors

// ErrorCode is the stable, machine-readable identity of a failure. Codes are
// what logs and control-plane callers match on; messages may change.
type ErrorCode string

// Error is a coded failure. It may carry a cause, a message overriding the
// code's default text, and structured data for the log line.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Packages take one with errors.New() at the top
// of a function and return its products unchanged up the stack.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
