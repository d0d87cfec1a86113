// Package message defines the bridge's wire model: the Command decoded from an
// inbound request, the tagged OK/ERROR Response, the constructors that are the
// only way to build a Response, the envelope header names and the JSON and
// CBOR codecs.
package message
