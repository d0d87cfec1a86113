// Package processor turns decoded commands into responses. There is one
// Processor per command name; the Registry maps names to processors and
// answers unknown names with an ERROR.
//
// Every processor validates its positional arguments before touching the
// control API. A command without a publish stream is served synchronously
// and its response is the direct reply. An async-capable command with a
// publish stream is submitted to the dispatcher: the caller immediately gets
// an OK with no items and the real result is published later, tagged with a
// publish id of the form
//
//	<command>;port=<port>[;channel=<channel>]
//
// Processors are immutable after NewRegistry and safe for concurrent use.
package processor
