// Package pipelineerr defines the pipeline's typed error kinds (spec
// §7). Parsers and the Normalizer never throw across component
// boundaries: a parse failure is logged and the message dropped. The
// Storage Writer wraps a failed flush in a PipelineError and publishes
// it on the EventBus's error topic rather than returning it to the
// broker side.
package pipelineerr

import "fmt"

// Kind enumerates the error categories the pipeline distinguishes.
type Kind string

const (
	ParseError              Kind = "ParseError"
	SchemaError             Kind = "SchemaError"
	CacheMiss               Kind = "CacheMiss"
	TransportError          Kind = "TransportError"
	StorageError            Kind = "StorageError"
	ProtocolFamilyMismatch  Kind = "ProtocolFamilyMismatch"
)

// PipelineError carries a kind, a human-readable detail, and an
// optional reference to the raw input that triggered it (a topic, a
// device id, a buffer length — whatever helps triage without
// retaining the full payload).
type PipelineError struct {
	Kind   Kind
	Detail string
	RawRef string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Detail, e.RawRef, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, e.RawRef)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// New constructs a PipelineError.
func New(kind Kind, detail, rawRef string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Detail: detail, RawRef: rawRef, Err: err}
}
