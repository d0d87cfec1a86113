package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/ooici/siam-integration-sub000/errors"
)

// Content types understood by CodecFor
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec encodes responses and decodes commands on the wire
type Codec interface {
	ContentType() string
	EncodeResponse(Response) ([]byte, error)
	DecodeResponse([]byte) (Response, error)
	EncodeCommand(Command) ([]byte, error)
	DecodeCommand([]byte) (Command, error)
}

// JSONCodec is the default codec
type JSONCodec struct{}

// ContentType implements Codec
func (JSONCodec) ContentType() string { return ContentTypeJSON }

// EncodeResponse implements Codec
func (JSONCodec) EncodeResponse(r Response) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "EncodeResponse", "marshal response")
	}
	return data, nil
}

// DecodeResponse implements Codec
func (JSONCodec) DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, errors.WrapInvalid(err, "JSONCodec", "DecodeResponse", "unmarshal response")
	}
	return r, r.Validate()
}

// EncodeCommand implements Codec
func (JSONCodec) EncodeCommand(c Command) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "EncodeCommand", "marshal command")
	}
	return data, nil
}

// DecodeCommand implements Codec
func (JSONCodec) DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, errors.WrapInvalid(err, "JSONCodec", "DecodeCommand", "unmarshal command")
	}
	return c, validateCommand(c)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: cbor encoder init: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: cbor decoder init: " + err.Error())
	}
}

// CBORCodec encodes with deterministic core CBOR
type CBORCodec struct{}

// ContentType implements Codec
func (CBORCodec) ContentType() string { return ContentTypeCBOR }

// EncodeResponse implements Codec
func (CBORCodec) EncodeResponse(r Response) ([]byte, error) {
	data, err := cborEnc.Marshal(r)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CBORCodec", "EncodeResponse", "marshal response")
	}
	return data, nil
}

// DecodeResponse implements Codec
func (CBORCodec) DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := cborDec.Unmarshal(data, &r); err != nil {
		return Response{}, errors.WrapInvalid(err, "CBORCodec", "DecodeResponse", "unmarshal response")
	}
	return r, r.Validate()
}

// EncodeCommand implements Codec
func (CBORCodec) EncodeCommand(c Command) ([]byte, error) {
	data, err := cborEnc.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CBORCodec", "EncodeCommand", "marshal command")
	}
	return data, nil
}

// DecodeCommand implements Codec
func (CBORCodec) DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := cborDec.Unmarshal(data, &c); err != nil {
		return Command{}, errors.WrapInvalid(err, "CBORCodec", "DecodeCommand", "unmarshal command")
	}
	return c, validateCommand(c)
}

// CodecFor selects the codec for a content-type header value. Parameters
// after ';' are ignored. Empty or unknown types fall back to fallback, or to
// JSON when fallback is nil.
func CodecFor(contentType string, fallback Codec) Codec {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case ContentTypeJSON:
		return JSONCodec{}
	case ContentTypeCBOR:
		return CBORCodec{}
	}
	if fallback != nil {
		return fallback
	}
	return JSONCodec{}
}

// CodecByName resolves a configured codec name ("json" or "cbor")
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown codec %q", errors.ErrInvalidConfig, name),
			"message", "CodecByName", "resolve codec")
	}
}

func validateCommand(c Command) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty command name", errors.ErrInvalidData),
			"message", "DecodeCommand", "validate command")
	}
	return nil
}
