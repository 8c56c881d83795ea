package transport

import (
	"errors"
	"fmt"
)

// Code is a negative API result code.
type Code int

const (
	EINTERNAL  Code = -1
	EARGS      Code = -2
	EAGAIN     Code = -3 // server busy
	ERATELIMIT Code = -4
	ETOOMANY   Code = -6 // repeated request
	ENOENT     Code = -9
	ECIRCULAR  Code = -10
	EACCESS    Code = -11
	EEXIST     Code = -12
)

var codeNames = map[Code]string{
	EINTERNAL:  "EINTERNAL",
	EARGS:      "EARGS",
	EAGAIN:     "EAGAIN",
	ERATELIMIT: "ERATELIMIT",
	ETOOMANY:   "ETOOMANY",
	ENOENT:     "ENOENT",
	ECIRCULAR:  "ECIRCULAR",
	EACCESS:    "EACCESS",
	EEXIST:     "EEXIST",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("E%d", int(c))
}

// Temporary reports whether the server may accept the same request later.
func (c Code) Temporary() bool {
	return c == EAGAIN || c == ERATELIMIT
}

// APIError is returned when the server answers a command with a result code.
type APIError struct {
	Command string
	Code    Code
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Command, e.Code, int(e.Code))
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsCode reports whether err carries the given result code.
func IsCode(err error, code Code) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Code == code
}
