package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooici/siam-integration-sub000/errors"
)

func TestConfig_Subject(t *testing.T) {
	cfg := DefaultConfig()

	tests := map[string]string{
		"turbine1/speed":   "siam.data.turbine1.speed",
		"/turbine1/speed/": "siam.data.turbine1.speed",
		"wind":             "siam.data.wind",
	}
	for channel, want := range tests {
		assert.Equal(t, want, cfg.Subject(channel), channel)
	}
}

func TestDecodeSample(t *testing.T) {
	s, err := DecodeSample("speed", []byte(" 2.5\n"))
	require.NoError(t, err)
	assert.Equal(t, Sample{Channel: "speed", Value: 2.5}, s)

	s, err = DecodeSample("speed", []byte(`{"value":3,"timestamp":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "speed", s.Channel)
	assert.Equal(t, 3.0, s.Value)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), s.Time.UTC())

	s, err = DecodeSample("speed", []byte(`{"channel":"p1/speed","value":4,"timestamp":1714557600000}`))
	require.NoError(t, err)
	assert.Equal(t, "p1/speed", s.Channel)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), s.Time)

	_, err = DecodeSample("speed", []byte(`{"value":1,"timestamp":"last tuesday"}`))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	_, err = DecodeSample("speed", []byte("not a sample"))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	// zero is a reading, a missing value is not
	s, err = DecodeSample("speed", []byte(`{"value":0}`))
	require.NoError(t, err)
	assert.Equal(t, Sample{Channel: "speed", Value: 0}, s)

	for _, payload := range []string{
		`{}`,
		`{"timestamp":"2024-05-01T10:00:00Z"}`,
		`{"value":null}`,
		`{"channel":"x"}`,
	} {
		_, err = DecodeSample("speed", []byte(payload))
		assert.ErrorIs(t, err, errors.ErrParsingFailed, payload)
	}
}

func TestNewJetStreamConnector_Defaults(t *testing.T) {
	c := NewJetStreamConnector(Config{Stream: "S", SubjectPrefix: "p"}, nil)
	assert.Equal(t, DefaultConfig().MaxBatch, c.cfg.MaxBatch)
}
