// Package testutil provides call-counting fakes for the bridge's collaborator
// interfaces so processors, notifiers and the request server can be tested
// without a NATS server.
//
// # Fakes
//
// FakeController implements controlapi.Controller. Each method delegates to an
// optional func field and counts its calls, so tests can assert the control
// API was never reached on a validation failure.
//
// RecordingPublisher implements publisher.Publisher and records every publish.
// WaitForPublished blocks until a number of publishes arrived.
//
// FakeConnector and FakeConn implement source.Connector and source.Conn.
// Samples are scripted with Push and faults with Fail; Fetch returns an empty
// result once its timeout passes, like a real source.
//
// FakeReceiver and FakeReplier implement transport.Receiver and
// transport.Replier over channels and slices.
//
// All fakes are safe for concurrent use.
package testutil
