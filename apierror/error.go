package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code classifies a terminal resolution failure. Codes are surfaced
// verbatim to callers and are never retried past the point where they are
// assigned.
type Code string

const (
	// NoCredentials means no usable credential material was available.
	NoCredentials Code = "NO_CREDENTIALS"
	// Throttled means the remote signaled rate limiting. The error carries
	// the time at which calls may resume.
	Throttled Code = "RATE_LIMITED"
	// Unauthorized means the remote rejected the presented credentials.
	Unauthorized Code = "UNAUTHORIZED"
	// NotFound means the requested account does not exist.
	NotFound Code = "NOT_FOUND"
	// NetworkError means a transport-level fault persisted past the retry
	// budget.
	NetworkError Code = "NETWORK_ERROR"
	// ParseError means the remote answered with a body that could not be
	// decoded.
	ParseError Code = "PARSE_ERROR"
	// Unknown is any failure that fits no other code.
	Unknown Code = "UNKNOWN"
)

// Error is the type of error returned by a network client. It carries a
// taxonomy code and an HTTP status code so that callers can interpret the
// failure without string matching.
type Error struct {
	err      error
	code     Code
	status   int
	resumeAt time.Time
}

type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
	Code    string `json:",omitempty"`
}

var serverError []byte

func init() {
	// Make sure there is always an error to return in case encoding fails.
	e := ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
	}

	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, code Code, status int) *Error {
	return &Error{
		err:    err,
		code:   code,
		status: status,
	}
}

// NewThrottled creates a Throttled error carrying the time at which the
// remote allows calls to resume.
func NewThrottled(err error, status int, resumeAt time.Time) *Error {
	return &Error{
		err:      err,
		code:     Throttled,
		status:   status,
		resumeAt: resumeAt,
	}
}

// FromResponse creates an Error from a non-success HTTP response, mapping
// well-known status codes onto the taxonomy.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		return err
	}
	return New(err, codeForStatus(status), status)
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	case http.StatusNotFound:
		return NotFound
	case http.StatusTooManyRequests:
		return Throttled
	default:
		return Unknown
	}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.code != "" {
		return string(e.code)
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text.
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Code() Code {
	if e.code == "" {
		return Unknown
	}
	return e.code
}

func (e *Error) Status() int {
	return e.status
}

// ResumeAt returns the time at which the remote allows calls to resume.
// It is only meaningful for Throttled errors and is zero otherwise.
func (e *Error) ResumeAt() time.Time {
	return e.resumeAt
}

func (e *Error) Unwrap() error {
	return e.err
}

// CodeOf extracts the taxonomy code from err, or Unknown if err carries no
// *Error anywhere in its chain. A nil err has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code()
	}
	return Unknown
}

func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}

	e := ErrorMessage{
		Message: err.Error(),
	}
	var apierr *Error
	if errors.As(err, &apierr) {
		e.Status = apierr.Status()
		e.Code = string(apierr.Code())
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}

func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var e ErrorMessage
	err := json.Unmarshal(data, &e)
	if err != nil {
		return fmt.Errorf("cannot decode error message: %s", err)
	}

	err = errors.New(e.Message)
	if e.Status == 0 && e.Code == "" {
		return err
	}
	code := Code(e.Code)
	if code == "" {
		code = codeForStatus(e.Status)
	}
	return New(err, code, e.Status)
}
