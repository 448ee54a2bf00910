package source

import (
	"errors"
	"fmt"
)

// ErrUnsupportedSource means no checker handles the URL. The link stays
// tracked and is retried on the normal schedule, but it can never produce
// updates until a checker for its host is registered.
var ErrUnsupportedSource = errors.New("no checker for this url")

// TransientError wraps a network, HTTP or decode failure from a checker.
// The watermark is left untouched and the link is retried next tick.
type TransientError struct {
	Op  string
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
