package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInputShape is returned by a backend that only accepts one fixed input shape.
var ErrInputShape = errors.New("input tensor shape does not match model input")

// DecodeError reports upload bytes that could not be decoded into pixels.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// BackendUnavailableError reports a prediction backend that could not be
// reached, timed out, or answered with a non-success status.
// StatusCode is zero when no HTTP response was received.
type BackendUnavailableError struct {
	StatusCode int
	Cause      error
}

func (e *BackendUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("prediction backend unavailable (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("prediction backend unavailable: %v", e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// MalformedResponseError reports a backend response without the expected structure.
type MalformedResponseError struct {
	Cause error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed prediction response: %v", e.Cause)
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }

// ClassCountMismatchError reports a prediction vector whose length differs
// from the number of known class labels.
type ClassCountMismatchError struct {
	Got  int
	Want int
}

func (e *ClassCountMismatchError) Error() string {
	return fmt.Sprintf("prediction vector has %d scores, expected %d classes", e.Got, e.Want)
}
