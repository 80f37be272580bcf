package llm

import "errors"

// classified carries the retry semantics of a completion failure. One type,
// one flag: transient failures are worth retrying and falling back on, fatal
// ones stop the whole attempt chain.
type classified struct {
	err   error
	fatal bool
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &classified{err: err}
}

// NewFatalError marks err as permanent. Retry and fallback stop here.
func NewFatalError(err error) error {
	return &classified{err: err, fatal: true}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var c *classified
	return errors.As(err, &c) && !c.fatal
}

// IsFatal reports whether err carries a permanent classification.
func IsFatal(err error) bool {
	var c *classified
	return errors.As(err, &c) && c.fatal
}
