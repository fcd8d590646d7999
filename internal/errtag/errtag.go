// Package errtag classifies errors into a small taxonomy so the stream
// consumer and execution-engine consumer can decide ACK/DLQ behavior with
// a single errors.Is switch instead of scattered boolean flags.
package errtag

import "errors"

// Sentinel classes. Wrap a concrete error with fmt.Errorf("...: %w", Transient)
// (or use the New* helpers) so errors.Is still matches the underlying cause.
var (
	// Transient indicates a retryable I/O failure (Redis call, webhook 5xx).
	// Counted against the originating component's circuit breaker.
	Transient = errors.New("transient")

	// Permanent indicates a handler exception: DLQ + ACK, never retried.
	Permanent = errors.New("permanent")

	// Backpressure indicates the downstream queue is full: leave in PEL,
	// do NOT ack, for redelivery once the queue drains.
	Backpressure = errors.New("backpressure")

	// Duplicate indicates a permanent, silent-ACK rejection (no DLQ).
	Duplicate = errors.New("duplicate")

	// Validation indicates a malformed message: DLQ + ACK.
	Validation = errors.New("validation")

	// BusinessRejected indicates a policy rejection (low confidence, low
	// profit): silent-ACK, no DLQ.
	BusinessRejected = errors.New("business-rejected")

	// SystemMessage indicates a control message (e.g. type: stream-init):
	// silent-ACK, no DLQ.
	SystemMessage = errors.New("system-message")
)

// Class reports which taxonomy bucket err falls into. Unclassified errors
// default to Permanent, treated as a handler exception: DLQ and ACK.
func Class(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, Transient):
		return Transient
	case errors.Is(err, Backpressure):
		return Backpressure
	case errors.Is(err, Duplicate):
		return Duplicate
	case errors.Is(err, Validation):
		return Validation
	case errors.Is(err, BusinessRejected):
		return BusinessRejected
	case errors.Is(err, SystemMessage):
		return SystemMessage
	default:
		return Permanent
	}
}

type tagged struct {
	tag error
	msg string
}

func (t *tagged) Error() string { return t.msg }
func (t *tagged) Unwrap() error { return t.tag }

func wrap(tag error, msg string) error { return &tagged{tag: tag, msg: msg} }

func NewTransient(msg string) error        { return wrap(Transient, msg) }
func NewPermanent(msg string) error        { return wrap(Permanent, msg) }
func NewBackpressure(msg string) error     { return wrap(Backpressure, msg) }
func NewDuplicate(msg string) error        { return wrap(Duplicate, msg) }
func NewValidation(msg string) error       { return wrap(Validation, msg) }
func NewBusinessRejected(msg string) error { return wrap(BusinessRejected, msg) }
func NewSystemMessage(msg string) error    { return wrap(SystemMessage, msg) }
