package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrDecode           = errors.New("decode error")
	ErrCapability       = errors.New("capability error")
	ErrStoreWrite       = errors.New("store write error")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrManifest         = errors.New("manifest error")
	ErrMalformedRecord  = errors.New("malformed record")
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate record")
	ErrTimeout          = errors.New("timeout")

	errUnclassified = errors.New("service failure")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = errUnclassified
	}
	if err != nil {
		return &wrapped{marker: marker, component: component, operation: operation, message: message, cause: err,
			text: fmt.Sprintf("%s: %s: %s", marker.Error(), detail, err.Error())}
	}
	return &wrapped{marker: marker, component: component, operation: operation, message: message,
		text: fmt.Sprintf("%s: %s", marker.Error(), detail)}
}

type wrapped struct {
	marker    error
	component string
	operation string
	message   string
	cause     error
	text      string
}

func (w *wrapped) Error() string { return w.text }

func (w *wrapped) Unwrap() []error {
	if w.cause == nil {
		return []error{w.marker}
	}
	return []error{w.marker, w.cause}
}

// ErrorDetails is the structured view of a wrapped failure used for logging.
type ErrorDetails struct {
	Kind      string
	Component string
	Operation string
	Message   string
	Cause     string
}

// Details extracts the marker and context from err. Errors that were not built
// with Wrap report the kind "unknown" and their text as the message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	var w *wrapped
	if errors.As(err, &w) {
		details := ErrorDetails{
			Kind:      kindOf(w.marker),
			Component: strings.TrimSpace(w.component),
			Operation: strings.TrimSpace(w.operation),
			Message:   strings.TrimSpace(w.message),
		}
		if w.cause != nil {
			details.Cause = w.cause.Error()
		}
		return details
	}
	return ErrorDetails{Kind: kindOf(err), Message: err.Error()}
}

// Retryable reports whether a failed job should be made visible again rather
// than dead-lettered immediately. Decode failures still retry within the
// queue's attempt budget.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return false
	default:
		return true
	}
}

// HTTPStatus maps a gateway failure to the response code returned to clients.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func kindOf(err error) string {
	for _, marker := range []error{
		ErrValidation, ErrDecode, ErrCapability, ErrStoreWrite, ErrQueueUnavailable,
		ErrManifest, ErrMalformedRecord, ErrConfiguration, ErrNotFound, ErrDuplicate, ErrTimeout,
	} {
		if errors.Is(err, marker) {
			return strings.ReplaceAll(marker.Error(), " ", "_")
		}
	}
	return "unknown"
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
