// Package errors provides standardized error handling for the SIAM bus bridge.
//
// # Overview
//
// Errors are sorted into three classes: Transient (temporary, retryable),
// Invalid (bad input, never retried) and Fatal (misconfiguration, stop).
// The bridge maps its error taxonomy onto these classes:
//
//   - Validation errors (missing or unexpected command arguments): Invalid.
//     Always answered synchronously with an ERROR response.
//   - Control-API failures: reported to the caller as ERROR responses,
//     either as the direct reply or through the publish stream.
//   - Streaming faults: end the notifier loop, surfaced only in logs.
//   - Configuration faults (async command without dispatcher or publisher
//     wiring): Fatal. These are raised as panics and escape the request loop.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "JetStreamConn", "Fetch", "fetch samples")
//	errors.WrapInvalid(err, "Codec", "DecodeCommand", "unmarshal command")
//	errors.WrapFatal(err, "Processor", "Process", "async wiring")
//
// # Reporting failures to remote callers
//
// TypeName names the originating error type so that a response can carry
// "<type>: <message>" the way instrument software reports exception classes:
//
//	resp := message.Failure(err) // ERROR "KVError: port P1 not found"
//
// # Panics
//
// FromPanic wraps a recovered value into a PanicError. The dispatcher uses it
// to route panicking control-API calls to their failure callback.
package errors
