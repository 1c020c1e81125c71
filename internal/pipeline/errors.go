package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so the transport layer can map them to
// status codes without string matching.
type Kind string

const (
	// KindValidation marks malformed input, rejected before any retrieval.
	KindValidation Kind = "validation"
	// KindRetrieval marks a request where both retrieval paths failed or
	// came back empty; answering would be fully ungrounded.
	KindRetrieval Kind = "retrieval_failure"
	// KindGeneration marks a model call failure after retries.
	KindGeneration Kind = "generation"
	// KindTimeout marks a request that exceeded its time budget.
	KindTimeout Kind = "timeout"
)

// Error is a classified pipeline failure. Fatal errors always reach the
// caller as one of these; nothing is swallowed into a default answer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" when err is not a
// pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func retrievalFailure(msg string, err error) *Error {
	return &Error{Kind: KindRetrieval, Msg: msg, Err: err}
}

func generationError(err error) *Error {
	return &Error{Kind: KindGeneration, Msg: "answer generation failed", Err: err}
}

func timeoutError(err error) *Error {
	return &Error{Kind: KindTimeout, Msg: "request exceeded time budget", Err: err}
}
