// Package service hosts the RequestServer, the single loop that takes command
// deliveries off the bus, runs them through the processor registry and
// replies.
//
// The loop acknowledges each delivery as soon as it is received, so a command
// is never redelivered because its processing was slow. Per-command failures
// become ERROR replies and the loop continues; only a Receive failure ends
// it. A panic carrying a fatal configuration error is not converted: it
// escapes the loop and takes the process down.
package service
