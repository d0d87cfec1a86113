package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs_Command(t *testing.T) {
	cmd := Command{
		Name:          "fetch_params",
		Args:          []Arg{{Channel: "port", Param: "p1"}, {Channel: "rpm", Param: ""}},
		PublishStream: "bridge.results",
	}
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			data, err := codec.EncodeCommand(cmd)
			require.NoError(t, err)

			got, err := codec.DecodeCommand(data)
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
			assert.True(t, got.IsAsync())
		})
	}
}

func TestJSONCodec_DecodeCommandWireShape(t *testing.T) {
	got, err := JSONCodec{}.DecodeCommand([]byte(`{"command":"get_status","args":[{"channel":"port","param":"p1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "get_status", got.Name)
	assert.False(t, got.IsAsync())

	arg, ok := got.Arg(0)
	require.True(t, ok)
	assert.Equal(t, "p1", arg.Param)
	_, ok = got.Arg(1)
	assert.False(t, ok)
}

func TestCodecs_DecodeErrors(t *testing.T) {
	_, err := JSONCodec{}.DecodeCommand([]byte("{not json"))
	assert.Error(t, err)

	_, err = JSONCodec{}.DecodeCommand([]byte(`{"args":[]}`))
	assert.Error(t, err)

	_, err = CBORCodec{}.DecodeCommand([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestCodecs_ResponseValidated(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		data, err := codec.EncodeResponse(OKMap(map[string]string{"a": "1"}))
		require.NoError(t, err)
		got, err := codec.DecodeResponse(data)
		require.NoError(t, err)
		assert.Equal(t, []Item{Pair("a", "1")}, got.Items)
	}
}

func TestCodecFor(t *testing.T) {
	assert.IsType(t, CBORCodec{}, CodecFor("application/cbor", nil))
	assert.IsType(t, JSONCodec{}, CodecFor("Application/JSON; charset=utf-8", CBORCodec{}))
	assert.IsType(t, CBORCodec{}, CodecFor("", CBORCodec{}))
	assert.IsType(t, JSONCodec{}, CodecFor("text/plain", nil))
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("CBOR")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, c.ContentType())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
