//go:build integration

package source

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooici/siam-integration-sub000/natsclient"
)

func TestIntegration_FetchOrderedSamples(t *testing.T) {
	cfg := DefaultConfig()
	tc := natsclient.NewTestClient(t, natsclient.WithStreams(jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	}))
	ctx := context.Background()

	conn, err := NewJetStreamConnector(cfg, nil).Connect(ctx, tc.URL, "bridge_turbine1/speed")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Subscribe(ctx, "turbine1/speed"))

	// nothing yet: an empty result, not an error
	samples, err := conn.Fetch(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, samples)

	for _, v := range []string{"1.0", "2.0", "3.0"} {
		require.NoError(t, tc.Client.Publish(ctx, cfg.Subject("turbine1/speed"), []byte(v)))
	}
	require.NoError(t, tc.Client.Publish(ctx, cfg.Subject("turbine2/speed"), []byte("9")))

	var got []float64
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		samples, err := conn.Fetch(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		for _, s := range samples {
			got = append(got, s.Value)
		}
	}
	assert.Equal(t, []float64{1, 2, 3}, got)
}
